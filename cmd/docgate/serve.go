package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/docgate/internal/cfg"
	"github.com/keithlinneman/docgate/internal/health"
	"github.com/keithlinneman/docgate/internal/httpmw"
	"github.com/keithlinneman/docgate/internal/httpserver"
	"github.com/keithlinneman/docgate/internal/intakehttp"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/opshttp"
	"github.com/keithlinneman/docgate/internal/ratelimit"
)

const (
	drainPeriod     = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func runServe(ctx context.Context, conf cfg.App) int {
	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "serve")
	ctx = log.WithContext(ctx, L)

	rt, err := setup(ctx, L, conf, "serve")
	if err != nil {
		L.Error(ctx, err, "startup failed")
		return 1
	}
	defer rt.close(context.Background())

	L.Info(ctx, "initializing intake server",
		"version", rt.vi.Version,
		"commit", rt.vi.Commit,
		"build_id", rt.vi.BuildID,
		"go_version", rt.vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"intake_rps", conf.IntakeRPS,
		"intake_burst", conf.IntakeBurst,
	)

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), rt.readiness)

	api, err := intakehttp.NewAPI(intakehttp.Options{
		Submitter:     rt.client,
		Limiter:       rt.limiter,
		Stats:         rt.statsReader,
		Logger:        L,
		SubmitTimeout: conf.IntakeSubmitTimeout(),
	})
	if err != nil {
		L.Error(ctx, err, "intake api init failed")
		return 1
	}

	var rateLimitMW func(next http.Handler) http.Handler
	if conf.IntakeRPS > 0 {
		ipl := ratelimit.NewIPLimiter(ctx,
			ratelimit.WithRate(conf.IntakeRPS, conf.IntakeBurst),
			ratelimit.WithOnDenied(func(string) { rt.m.IncRateLimitDenied() }),
			// logged once per client until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "intake rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(rt.m.IncRateLimitCapacity),
		)
		rateLimitMW = ipl.Middleware
	}

	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      rt.m.IncHTTPPanic,
		MetricsMW:    rt.m.Middleware,
		RateLimitMW:  rateLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		MaxBodyBytes: conf.IntakeMaxBody,
		WriteTimeout: conf.IntakeWriteTimeout(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start intake http listener")
		return 1
	}
	defer func() { _ = httpStop(context.Background()) }()

	// public peers are rejected on the ops listener regardless of network policy
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      rt.m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      rt.m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod.String(), "waiting", rt.limiter.Waiting())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()
	if err := httpStop(shutdownCtx); err != nil {
		L.Error(bg, err, "intake http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	rt.close(shutdownCtx)
	rt.closers = nil

	L.Info(bg, "shutdown complete")
	return 0
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
