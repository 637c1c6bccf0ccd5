// Package metrics owns the Prometheus registry served on the ops listener.
//
// Labels are bounded: HTTP metrics use method, chi route pattern and status;
// submission metrics use status and source. Document ids never become labels.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/docgate/internal/version"
)

// LimiterState is the read side of an admission gate, *ratelimit.Limiter
// satisfies it.
type LimiterState interface {
	Window() time.Duration
	Capacity() int
	Active() int
	Waiting() int
}

type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// intake http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	// intake per-ip limiter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	// outbound admission gate
	admissionsTotal prometheus.Counter
	waitsTotal      prometheus.Counter
	waitDur         prometheus.Histogram

	// submissions
	submissionsTotal *prometheus.CounterVec
	submissionDur    *prometheus.HistogramVec
	sinkErrorsTotal  *prometheus.CounterVec

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the Go and process collectors and every
// docgate metric registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight intake HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total intake HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Intake request latency by method and route, includes time blocked on the admission gate",
			// long tail: a request may wait a whole window for admission
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx intake responses by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total intake requests rejected by the per-client limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times the per-client limiter hit its client cap",
		}),
		admissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docgate_limiter_admissions_total",
			Help: "Total outbound calls admitted by the sliding window gate",
		}),
		waitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docgate_limiter_waits_total",
			Help: "Total Acquire calls that found the window full and had to block",
		}),
		waitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docgate_limiter_wait_seconds",
			Help:    "Time callers spent blocked before admission",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_submissions_total",
			Help: "Classified document submissions by status and source",
		}, []string{"status", "source"}),
		submissionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docgate_submission_duration_seconds",
			Help:    "End-to-end submission time including admission wait, by status",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		sinkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docgate_result_sink_errors_total",
			Help: "Failures writing a submission result to a sink (stats, journal)",
		}, []string{"sink"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.admissionsTotal,
		m.waitsTotal,
		m.waitDur,
		m.submissionsTotal,
		m.submissionDur,
		m.sinkErrorsTotal,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// ObserveLimiter exports the gate's configuration and live state, read on
// every scrape. Call once per limiter.
func (m *Metrics) ObserveLimiter(l LimiterState) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docgate_limiter_capacity",
			Help: "Maximum admissions per window",
		}, func() float64 { return float64(l.Capacity()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docgate_limiter_window_seconds",
			Help: "Sliding window length",
		}, func() float64 { return l.Window().Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docgate_limiter_active",
			Help: "Admissions still inside the window",
		}, func() float64 { return float64(l.Active()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docgate_limiter_waiting",
			Help: "Callers currently blocked waiting for admission",
		}, func() float64 { return float64(l.Waiting()) }),
	)
}

// ObserveAdmission matches ratelimit.WithOnAdmit.
func (m *Metrics) ObserveAdmission(_ time.Time, waited time.Duration) {
	m.admissionsTotal.Inc()
	m.waitDur.Observe(waited.Seconds())
}

// IncLimiterWait matches ratelimit.WithOnWait.
func (m *Metrics) IncLimiterWait() {
	m.waitsTotal.Inc()
}

func (m *Metrics) ObserveSubmission(status, source string, elapsed time.Duration) {
	if source == "" {
		source = "unknown"
	}
	m.submissionsTotal.WithLabelValues(status, source).Inc()
	m.submissionDur.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) IncSinkError(sink string) {
	m.sinkErrorsTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncHTTPPanic() {
	m.httpPanicTotal.Inc()
}

func (m *Metrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *Metrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// set once at startup.
func (m *Metrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *Metrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
