package opshttp

import (
	"net/http"

	"github.com/keithlinneman/docgate/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func()
	// AllowPublic disables the private-network guard, for listeners bound
	// behind another access layer.
	AllowPublic bool
}
