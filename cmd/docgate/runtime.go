package main

import (
	"context"
	"fmt"
	"os"

	"github.com/keithlinneman/docgate/internal/cfg"
	"github.com/keithlinneman/docgate/internal/health"
	"github.com/keithlinneman/docgate/internal/journal"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/metrics"
	"github.com/keithlinneman/docgate/internal/otelx"
	"github.com/keithlinneman/docgate/internal/prof"
	"github.com/keithlinneman/docgate/internal/ratelimit"
	"github.com/keithlinneman/docgate/internal/registrar"
	"github.com/keithlinneman/docgate/internal/stats"
	"github.com/keithlinneman/docgate/internal/transport"
	v "github.com/keithlinneman/docgate/internal/version"
)

// runtime is everything both subcommands share: telemetry, the admission
// gate, the registrar and its result sinks.
type runtime struct {
	L       log.Logger
	vi      v.Info
	m       *metrics.Metrics
	limiter *ratelimit.Limiter
	client  *registrar.Client
	sinks   *sinks

	// statsReader backs GET /api/v1/stats
	statsReader stats.Reader
	readiness   health.Probe

	closers []func(context.Context)
}

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
		Writer:            os.Stderr,
	})
}

// setup builds the runtime. Optional integrations that fail to start are
// logged and skipped; a broken gate, transport or sink is fatal.
func setup(ctx context.Context, L log.Logger, conf cfg.App, component string) (_ *runtime, err error) {
	rt := &runtime{L: L, vi: v.Get()}
	defer func() {
		if err != nil {
			rt.close(context.WithoutCancel(ctx))
		}
	}()

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:              conf.EnablePyroscope,
		AppName:              v.AppName,
		ServerAddress:        conf.PyroServer,
		TenantID:             conf.PyroTenantID,
		ProfileMutexFraction: 5,
		BlockProfileRate:     1000,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   rt.vi.Version,
			"commit":    rt.vi.ShortCommit(),
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	rt.closers = append(rt.closers, func(context.Context) { stopProf() })

	shutdownOTEL, otelErr := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   rt.vi.Version,
	})
	if otelErr != nil {
		L.Error(ctx, otelErr, "otel init failed, tracing disabled")
		shutdownOTEL, _ = otelx.Init(ctx, otelx.Options{})
	}
	rt.closers = append(rt.closers, func(c context.Context) {
		if err := shutdownOTEL(c); err != nil {
			L.Error(c, err, "otel shutdown")
		}
	})

	rt.m = metrics.New()
	rt.m.SetBuildInfoFromVersion(v.AppName, component, rt.vi)
	rt.m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	rt.limiter, err = ratelimit.New(conf.RateWindow, conf.RateLimit,
		ratelimit.WithOnAdmit(rt.m.ObserveAdmission),
		ratelimit.WithOnWait(rt.m.IncLimiterWait),
	)
	if err != nil {
		return nil, err
	}
	rt.m.ObserveLimiter(rt.limiter)

	tr, err := transport.NewHTTP(conf.APIURL,
		transport.WithTimeout(conf.RequestTimeout),
		transport.WithUserAgent(rt.vi.UserAgent()),
	)
	if err != nil {
		return nil, err
	}

	rt.sinks = &sinks{L: L, m: rt.m}
	var statsPing, journalPing health.Pinger
	if conf.StatsRedisAddr != "" {
		rec, err := stats.Dial(ctx, conf.StatsRedisAddr, stats.WithPrefix(conf.StatsRedisPrefix))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) { _ = rec.Close() })
		rt.sinks.stats, rt.statsReader, statsPing = rec, rec, rec
	} else {
		mem := stats.NewMemoryRecorder()
		rt.sinks.stats, rt.statsReader = mem, mem
	}
	if conf.JournalPath != "" {
		j, err := journal.Open(ctx, conf.JournalPath)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) { _ = j.Close() })
		rt.sinks.journal, journalPing = j, j
	}
	rt.readiness = health.All(
		health.Ping("stats", statsPing, pingTimeout),
		health.Ping("journal", journalPing, pingTimeout),
	)

	rt.client, err = registrar.New(registrar.Options{
		Limiter:   rt.limiter,
		Transport: tr,
		Logger:    L.With("component", "registrar"),
		OnResult:  rt.sinks.onResult,
	})
	if err != nil {
		return nil, err
	}

	L.Info(ctx, "admission gate ready",
		"api_url", conf.APIURL,
		"rate_window", conf.RateWindow.String(),
		"rate_limit", conf.RateLimit,
		"stats_backend", statsBackend(conf),
		"journal_path", conf.JournalPath,
	)
	return rt, nil
}

// close runs closers in reverse order.
func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i](ctx)
	}
}

func statsBackend(conf cfg.App) string {
	if conf.StatsRedisAddr != "" {
		return fmt.Sprintf("redis(%s)", conf.StatsRedisAddr)
	}
	return "memory"
}
