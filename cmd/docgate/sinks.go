package main

import (
	"context"
	"time"

	"github.com/keithlinneman/docgate/internal/cryptoutil"
	"github.com/keithlinneman/docgate/internal/journal"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/metrics"
	"github.com/keithlinneman/docgate/internal/registrar"
	"github.com/keithlinneman/docgate/internal/stats"
)

const (
	pingTimeout = 2 * time.Second
	sinkTimeout = 2 * time.Second
)

// sinks fans every classified submission out to metrics, stats and the
// optional journal. Sink failures are counted and logged, never returned.
type sinks struct {
	L       log.Logger
	m       *metrics.Metrics
	stats   stats.Recorder
	journal *journal.Journal
	now     func() time.Time
}

func (s *sinks) onResult(ctx context.Context, a registrar.Attempt, r registrar.Result) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	at := now()
	s.m.ObserveSubmission(r.Status.String(), a.Source, a.Elapsed)

	// a cancelled submission is still recorded
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if s.stats != nil {
		ev := stats.Event{Status: r.Status.String(), Code: r.Code, Source: a.Source, At: at}
		if err := s.stats.Record(ctx, ev); err != nil {
			s.m.IncSinkError("stats")
			s.L.Warn(ctx, "record submission stats failed", "err", err.Error())
		}
	}

	if s.journal != nil {
		entry := journal.Entry{
			DocID:    a.DocID,
			Status:   r.Status.String(),
			Code:     r.Code,
			Message:  r.Message,
			Source:   a.Source,
			WaitedMS: a.Waited.Milliseconds(),
			At:       at,
		}
		if len(a.Payload) > 0 {
			entry.PayloadSHA256 = cryptoutil.SHA256Hex(a.Payload)
		}
		if _, err := s.journal.Record(ctx, entry); err != nil {
			s.m.IncSinkError("journal")
			s.L.Warn(ctx, "journal submission failed", "err", err.Error())
		}
	}
}
