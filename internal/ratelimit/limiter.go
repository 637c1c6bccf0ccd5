package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keithlinneman/docgate/internal/window"
	"github.com/keithlinneman/docgate/internal/xerrors"
)

// ErrInvalidConfiguration is returned by New for a non-positive window or capacity.
var ErrInvalidConfiguration = errors.New("invalid rate limiter configuration")

// Limiter admits at most capacity callers within any sliding window.
// Safe for concurrent use. The zero value is not usable, construct with New.
type Limiter struct {
	window   time.Duration
	capacity int
	clock    clockwork.Clock

	// mu guards log, the check-evict-append sequence runs entirely under it
	mu  sync.Mutex
	log *window.TimestampWindow

	waiting atomic.Int64

	// onAdmit is called after every admission, outside the lock.
	// at is the recorded admission time, waited is how long the caller blocked.
	onAdmit func(at time.Time, waited time.Duration)

	// onWait is called once per Acquire that has to block
	onWait func()
}

// LimiterOption configures a Limiter in New.
type LimiterOption func(*Limiter)

// WithClock swaps the time source, tests use a clockwork.FakeClock
func WithClock(c clockwork.Clock) LimiterOption {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithOnAdmit sets the admission callback, used for metrics and tests
func WithOnAdmit(fn func(at time.Time, waited time.Duration)) LimiterOption {
	return func(l *Limiter) {
		l.onAdmit = fn
	}
}

// WithOnWait sets a callback fired when a caller finds the window full
func WithOnWait(fn func()) LimiterOption {
	return func(l *Limiter) {
		l.onWait = fn
	}
}

// New builds a Limiter allowing capacity admissions per window.
func New(window time.Duration, capacity int, opts ...LimiterOption) (*Limiter, error) {
	if window <= 0 {
		return nil, xerrors.Wrapf(ErrInvalidConfiguration, "window must be > 0 (got %s)", window)
	}
	if capacity <= 0 {
		return nil, xerrors.Wrapf(ErrInvalidConfiguration, "capacity must be > 0 (got %d)", capacity)
	}
	l := &Limiter{
		window:   window,
		capacity: capacity,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = windowFor(window, capacity)
	return l, nil
}

func windowFor(length time.Duration, capacity int) *window.TimestampWindow {
	// the log never holds more than capacity live entries, cap the hint so huge limits dont preallocate
	hint := capacity
	if hint > 1024 {
		hint = 1024
	}
	return window.New(length, hint+1)
}

// Window returns the sliding window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Capacity returns the maximum admissions per window.
func (l *Limiter) Capacity() int { return l.capacity }

// Waiting returns the number of callers currently blocked in Acquire.
func (l *Limiter) Waiting() int { return int(l.waiting.Load()) }

// Active returns the number of admissions still inside the window, evicting stale ones.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Evict(l.clock.Now())
	return l.log.Len()
}

// Acquire blocks until an admission slot is reserved for the caller.
// It returns nil once admitted. If ctx ends first it returns the context
// error and nothing is recorded for the attempt.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.clock.Now()
	blocked := false

	for {
		if err := ctx.Err(); err != nil {
			l.doneWaiting(blocked)
			return xerrors.WithStack(err)
		}

		at, wakeAt, ok := l.tryAdmit()
		if ok {
			l.doneWaiting(blocked)
			if l.onAdmit != nil {
				l.onAdmit(at, at.Sub(start))
			}
			return nil
		}

		if !blocked {
			blocked = true
			l.waiting.Add(1)
			if l.onWait != nil {
				l.onWait()
			}
		}

		// sleep until the oldest admission leaves the window, other waiters may win the slot so loop and re-check
		if err := l.sleepUntil(ctx, wakeAt); err != nil {
			l.doneWaiting(blocked)
			return xerrors.WithStack(err)
		}
	}
}

// tryAdmit runs one check-evict-append step under the lock.
// When the window is full it returns the instant capacity next frees up.
func (l *Limiter) tryAdmit() (at time.Time, wakeAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.log.Evict(now)
	if l.log.Len() < l.capacity {
		return l.log.Append(now), time.Time{}, true
	}
	// after eviction the log is non-empty and every entry is live, so NextExpiry is after now
	wakeAt, _ = l.log.NextExpiry()
	return time.Time{}, wakeAt, false
}

func (l *Limiter) sleepUntil(ctx context.Context, wakeAt time.Time) error {
	d := wakeAt.Sub(l.clock.Now())
	if d <= 0 {
		return nil
	}
	t := l.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

func (l *Limiter) doneWaiting(blocked bool) {
	if blocked {
		l.waiting.Add(-1)
	}
}
