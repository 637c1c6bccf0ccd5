package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/docgate/internal/cfg"
	"github.com/keithlinneman/docgate/internal/document"
	"github.com/keithlinneman/docgate/internal/health"
	"github.com/keithlinneman/docgate/internal/intakehttp"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/opshttp"
	"github.com/keithlinneman/docgate/internal/registrar"
	"github.com/keithlinneman/docgate/internal/source"
	"github.com/keithlinneman/docgate/internal/xerrors"
)

// SourceBatch labels submissions made by the submit subcommand.
const SourceBatch = "batch"

func runSubmit(ctx context.Context, conf cfg.App, batch cfg.Submit) int {
	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "submit")
	ctx = log.WithContext(ctx, L)

	subs, err := loadBatch(ctx, L, batch.Input)
	if err != nil {
		L.Error(ctx, err, "load batch failed", "input", batch.Input)
		return 1
	}
	if len(subs) == 0 {
		L.Warn(ctx, "batch is empty, nothing to submit", "input", batch.Input)
		return 0
	}

	rt, err := setup(ctx, L, conf, "submit")
	if err != nil {
		L.Error(ctx, err, "startup failed")
		return 1
	}
	defer rt.close(context.Background())

	// long batches are scraped like the server
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     rt.m.Handler(),
		EnablePprof: conf.EnablePprof,
		Readiness:   rt.readiness,
		Health:      health.Fixed(true, ""),
	})
	if err != nil {
		L.Warn(ctx, "ops http listener unavailable, continuing without metrics endpoint", "err", err.Error())
	} else {
		defer func() { _ = opsStop(context.Background()) }()
	}

	total := len(subs) * batch.Workers * batch.Repeat
	L.Info(ctx, "submitting batch",
		"input", batch.Input,
		"documents", len(subs),
		"workers", batch.Workers,
		"repeat", batch.Repeat,
		"submissions", total,
		"min_duration", minDuration(total, conf.RateLimit, conf.RateWindow).String(),
	)

	start := time.Now()
	counts, err := runBatch(registrar.WithSource(ctx, SourceBatch), rt.client, subs, batch.Workers, batch.Repeat)

	attrs := []any{"elapsed", time.Since(start).Round(time.Millisecond).String()}
	for _, s := range registrar.Statuses {
		attrs = append(attrs, s.String(), counts[s])
	}
	if err != nil {
		L.Warn(ctx, "batch interrupted", append(attrs, "err", err.Error())...)
		return 130
	}
	L.Info(ctx, "batch complete", attrs...)
	if counts[registrar.StatusFailed] > 0 {
		return 1
	}
	return 0
}

func loadBatch(ctx context.Context, L log.Logger, input string) ([]document.Submission, error) {
	opts := source.Options{Logger: L}
	if source.IsRemote(input) {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load aws config")
		}
		opts.S3 = s3.NewFromConfig(awsCfg)
		opts.SSM = ssm.NewFromConfig(awsCfg)
	}
	return source.NewLoader(opts).Load(ctx, input)
}

// runBatch has every worker submit the whole batch repeat times through the
// shared client, like independent callers in one process. It stops early
// only when ctx is cancelled.
func runBatch(ctx context.Context, client intakehttp.Submitter, subs []document.Submission, workers, repeat int) (map[registrar.Status]int, error) {
	var mu sync.Mutex
	counts := make(map[registrar.Status]int, len(registrar.Statuses))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < repeat; i++ {
				for _, s := range subs {
					if err := gctx.Err(); err != nil {
						return err
					}
					res := client.Submit(gctx, s.Document, s.Digest)
					if res.Cancelled() && gctx.Err() != nil {
						return gctx.Err()
					}
					mu.Lock()
					counts[res.Status]++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return counts, err
}

// minDuration is the least wall time n submissions need at limit per window.
func minDuration(n, limit int, window time.Duration) time.Duration {
	if n <= limit || limit < 1 {
		return 0
	}
	return time.Duration((n-1)/limit) * window
}
