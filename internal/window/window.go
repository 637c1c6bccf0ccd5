// Package window holds the admission log behind the sliding-window limiter.
//
// A TimestampWindow is an ordered record of admission times, oldest first.
// It is not safe for concurrent use; the owner serializes access.
package window

import "time"

// TimestampWindow records admission timestamps for a sliding window of fixed length.
type TimestampWindow struct {
	length  time.Duration
	entries []time.Time
}

// New returns an empty window of the given length. capHint pre-sizes the log.
func New(length time.Duration, capHint int) *TimestampWindow {
	if capHint < 0 {
		capHint = 0
	}
	return &TimestampWindow{
		length:  length,
		entries: make([]time.Time, 0, capHint),
	}
}

// Length returns the window length.
func (w *TimestampWindow) Length() time.Duration { return w.length }

// Len returns the number of entries still held, expired or not.
func (w *TimestampWindow) Len() int { return len(w.entries) }

// Expired reports whether an entry recorded at ts has aged out at now.
// An entry exactly one window old is expired.
func (w *TimestampWindow) Expired(ts, now time.Time) bool {
	return now.Sub(ts) >= w.length
}

// Evict drops every entry that has expired at now and returns how many were dropped.
// Entries are sorted, so eviction stops at the first live entry.
func (w *TimestampWindow) Evict(now time.Time) int {
	n := 0
	for n < len(w.entries) && w.Expired(w.entries[n], now) {
		n++
	}
	if n == 0 {
		return 0
	}
	// shift down instead of reslicing so the backing array does not creep forward forever
	copy(w.entries, w.entries[n:])
	clear(w.entries[len(w.entries)-n:])
	w.entries = w.entries[:len(w.entries)-n]
	return n
}

// Active counts entries that are live at now without evicting anything.
func (w *TimestampWindow) Active(now time.Time) int {
	live := 0
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.Expired(w.entries[i], now) {
			break
		}
		live++
	}
	return live
}

// Oldest returns the oldest entry, ok is false when the window is empty.
func (w *TimestampWindow) Oldest() (time.Time, bool) {
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0], true
}

// NextExpiry returns the instant the oldest entry leaves the window.
func (w *TimestampWindow) NextExpiry() (time.Time, bool) {
	oldest, ok := w.Oldest()
	if !ok {
		return time.Time{}, false
	}
	return oldest.Add(w.length), true
}

// Append records an admission at ts and returns the recorded time.
// A ts earlier than the newest entry is clamped to it so the log stays sorted.
func (w *TimestampWindow) Append(ts time.Time) time.Time {
	if n := len(w.entries); n > 0 && ts.Before(w.entries[n-1]) {
		ts = w.entries[n-1]
	}
	w.entries = append(w.entries, ts)
	return ts
}

// Snapshot returns a copy of the log, oldest first.
func (w *TimestampWindow) Snapshot() []time.Time {
	out := make([]time.Time, len(w.entries))
	copy(out, w.entries)
	return out
}
