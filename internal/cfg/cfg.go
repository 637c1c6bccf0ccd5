// Package cfg declares docgate's flags. Every flag can also be set from the
// environment as DOCGATE_<FLAG_NAME>; an explicit cli flag wins.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/source"
	"github.com/keithlinneman/docgate/internal/transport"
)

const EnvPrefix = "DOCGATE_"

// App holds settings shared by every subcommand.
type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	APIURL         string
	RequestTimeout time.Duration
	RateWindow     time.Duration
	RateLimit      int

	IntakeRPS        float64
	IntakeBurst      int
	IntakeMaxBody    int64
	TrustedProxyHops int

	StatsRedisAddr   string
	StatsRedisPrefix string
	JournalPath      string
}

// Submit holds the batch subcommand's settings.
type Submit struct {
	Input   string
	Workers int
	Repeat  int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "intake API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", false, "Use plaintext gRPC to the OTLP endpoint")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.APIURL, "api-url", transport.DefaultURL, "document registration endpoint")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", transport.DefaultTimeout, "timeout for one upstream call (excludes admission wait)")
	fs.DurationVar(&c.RateWindow, "rate-window", time.Minute, "sliding window length for outbound submissions")
	fs.IntVar(&c.RateLimit, "rate-limit", 5, "max outbound submissions per window")

	fs.Float64Var(&c.IntakeRPS, "intake-rps", 10, "per-client intake requests per second (0 disables)")
	fs.IntVar(&c.IntakeBurst, "intake-burst", 20, "per-client intake burst")
	fs.Int64Var(&c.IntakeMaxBody, "intake-max-body", 1<<20, "max intake request body in bytes")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "X-Forwarded-For entries to trust from private peers")

	fs.StringVar(&c.StatsRedisAddr, "stats-redis-addr", "", "redis host:port for outcome stats (empty keeps stats in memory)")
	fs.StringVar(&c.StatsRedisPrefix, "stats-redis-prefix", "docgate:stats", "redis key prefix for outcome stats")
	fs.StringVar(&c.JournalPath, "journal-path", "", "sqlite journal of submissions (empty disables)")
}

// RegisterSubmit binds the batch subcommand's flags.
func RegisterSubmit(fs *flag.FlagSet, s *Submit) {
	fs.StringVar(&s.Input, "input", "", "batch file: local path, s3://bucket/key or ssm://name")
	fs.IntVar(&s.Workers, "workers", 2, "concurrent submitters sharing the gate")
	fs.IntVar(&s.Repeat, "repeat", 1, "times each worker submits the whole batch")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

const intakeResponseMargin = 5 * time.Second

// IntakeSubmitTimeout bounds one intake submission: one window of admission
// wait plus the upstream call. Longer waits fail with 502 before any send.
func (c App) IntakeSubmitTimeout() time.Duration {
	return c.RateWindow + c.RequestTimeout + intakeResponseMargin
}

// IntakeWriteTimeout leaves room after IntakeSubmitTimeout to write the response.
func (c App) IntakeWriteTimeout() time.Duration {
	return c.IntakeSubmitTimeout() + intakeResponseMargin
}

// Validate returns every invalid field joined into one error, or nil.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_URL must be an http(s) URL (got %q)", c.APIURL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid REQUEST_TIMEOUT %s (must be > 0)", c.RequestTimeout))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_WINDOW %s (must be > 0)", c.RateWindow))
	}
	if c.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %d (must be >= 1)", c.RateLimit))
	}

	if c.IntakeRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid INTAKE_RPS %.2f (must be >= 0)", c.IntakeRPS))
	}
	if c.IntakeRPS > 0 && c.IntakeBurst < 1 {
		errs = append(errs, fmt.Errorf("invalid INTAKE_BURST %d (must be >= 1)", c.IntakeBurst))
	}
	if c.IntakeMaxBody < 1 || c.IntakeMaxBody > source.DefaultMaxBytes {
		errs = append(errs, fmt.Errorf("invalid INTAKE_MAX_BODY %d (must be 1..%d)", c.IntakeMaxBody, source.DefaultMaxBytes))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXY_HOPS %d (must be 0..10)", c.TrustedProxyHops))
	}

	if c.StatsRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatsRedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("STATS_REDIS_ADDR must be host:port (got %q): %v", c.StatsRedisAddr, err))
		}
	}

	return errors.Join(errs...)
}

// ValidateSubmit checks the batch subcommand's settings.
func ValidateSubmit(s Submit) error {
	var errs []error
	if s.Input == "" {
		errs = append(errs, fmt.Errorf("INPUT is required"))
	}
	if s.Workers < 1 || s.Workers > 1024 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..1024)", s.Workers))
	}
	if s.Repeat < 1 {
		errs = append(errs, fmt.Errorf("invalid REPEAT %d (must be >= 1)", s.Repeat))
	}
	return errors.Join(errs...)
}
