// Package stats counts submission outcomes.
//
// Recording is best-effort: callers log a Record error and carry on, a stats
// backend outage never fails a submission.
package stats

import (
	"context"
	"time"
)

// Event is one classified submission.
type Event struct {
	Status string
	Code   int
	// Source names the entry point: "api" for the intake server, "batch" for submit runs
	Source string
	At     time.Time
}

type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Reader exposes cumulative counts by status.
type Reader interface {
	Totals(ctx context.Context) (map[string]int64, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error              { return nil }
func (Nop) Totals(context.Context) (map[string]int64, error) { return map[string]int64{}, nil }
