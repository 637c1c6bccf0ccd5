package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/docgate/internal/health"
	"github.com/keithlinneman/docgate/internal/httpmw"
	"github.com/keithlinneman/docgate/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe
	APIRoutes    func(chi.Router)

	// MaxBodyBytes caps request bodies, DefaultMaxBodyBytes when zero
	MaxBodyBytes int64
	// WriteTimeout must cover a full admission wait plus the upstream call
	WriteTimeout time.Duration
}
