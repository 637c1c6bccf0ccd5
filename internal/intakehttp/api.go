// Package intakehttp exposes the registrar over HTTP so other services can
// submit documents through this process's admission gate.
package intakehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/docgate/internal/document"
	"github.com/keithlinneman/docgate/internal/httpmw"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/registrar"
	"github.com/keithlinneman/docgate/internal/stats"
	"github.com/keithlinneman/docgate/internal/xerrors"
)

// SourceIntake labels submissions that arrived over HTTP.
const SourceIntake = "intake"

// Submitter is satisfied by *registrar.Client.
type Submitter interface {
	Submit(ctx context.Context, doc document.Document, expectedDigest string) registrar.Result
}

// LimiterState is satisfied by *ratelimit.Limiter.
type LimiterState interface {
	Window() time.Duration
	Capacity() int
	Active() int
	Waiting() int
}

type Options struct {
	Submitter Submitter
	Limiter   LimiterState
	// Stats is optional; /api/v1/stats is not registered without it
	Stats  stats.Reader
	Logger log.Logger
	// SubmitTimeout bounds admission wait plus upstream call for one request.
	// Keep it below the server WriteTimeout so the caller always gets a
	// response; 0 disables the bound.
	SubmitTimeout time.Duration
}

// API implements the intake endpoints.
type API struct {
	submitter Submitter
	limiter   LimiterState
	stats     stats.Reader
	logger    log.Logger
	timeout   time.Duration
}

func NewAPI(opts Options) (*API, error) {
	if opts.Submitter == nil {
		return nil, xerrors.New("intakehttp: submitter is required")
	}
	if opts.Limiter == nil {
		return nil, xerrors.New("intakehttp: limiter is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		submitter: opts.Submitter,
		limiter:   opts.Limiter,
		stats:     opts.Stats,
		logger:    opts.Logger,
		timeout:   opts.SubmitTimeout,
	}, nil
}

// RegisterRoutes attaches the intake endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("documents")).Post("/api/v1/documents", api.HandleSubmit)
	r.With(httpmw.Scope("limiter")).Get("/api/v1/limiter", api.HandleLimiter)
	if api.stats != nil {
		r.With(httpmw.Scope("stats")).Get("/api/v1/stats", api.HandleStats)
	}
}

// SubmitResponse mirrors registrar.Result.
type SubmitResponse struct {
	Status  registrar.Status `json:"status"`
	Code    int              `json:"code"`
	Message string           `json:"message"`
	DocID   string           `json:"doc_id,omitempty"`
}

// LimiterResponse is a point-in-time view of the admission gate.
type LimiterResponse struct {
	WindowSeconds float64 `json:"window_seconds"`
	Capacity      int     `json:"capacity"`
	Active        int     `json:"active"`
	Waiting       int     `json:"waiting"`
	Available     int     `json:"available"`
}

// StatsResponse holds cumulative outcome counts by status.
type StatsResponse struct {
	Totals map[string]int64 `json:"totals"`
}

// HandleSubmit decodes one {"document":...,"digest":...} body and blocks
// until the registrar returns. Created, modified and rejected answer 200
// with the classification; failed answers 502, including a wait that
// outlives SubmitTimeout.
func (api *API) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sub, err := decodeSubmission(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		log.FromContext(ctx).Debug(ctx, "malformed submission", "err", err.Error())
		writeError(w, http.StatusBadRequest, "malformed submission: "+err.Error())
		return
	}

	// the server's WriteTimeout does not cancel r.Context()
	if api.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, api.timeout)
		defer cancel()
	}
	res := api.submitter.Submit(registrar.WithSource(ctx, SourceIntake), sub.Document, sub.Digest)

	status := http.StatusOK
	if res.Status == registrar.StatusFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, SubmitResponse{
		Status:  res.Status,
		Code:    res.Code,
		Message: res.Message,
		DocID:   sub.Document.DocID,
	})
}

// HandleLimiter reports window, capacity, active and waiting.
func (api *API) HandleLimiter(w http.ResponseWriter, _ *http.Request) {
	capacity := api.limiter.Capacity()
	active := api.limiter.Active()
	writeJSON(w, http.StatusOK, LimiterResponse{
		WindowSeconds: api.limiter.Window().Seconds(),
		Capacity:      capacity,
		Active:        active,
		Waiting:       api.limiter.Waiting(),
		Available:     max(capacity-active, 0),
	})
}

// HandleStats reports cumulative outcome counts, zero-filled for every status.
func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	totals, err := api.stats.Totals(ctx)
	if err != nil {
		api.logger.Error(ctx, err, "read submission stats")
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	out := make(map[string]int64, len(registrar.Statuses))
	for _, s := range registrar.Statuses {
		out[s.String()] = 0
	}
	for k, v := range totals {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, StatsResponse{Totals: out})
}

func decodeSubmission(body io.Reader) (document.Submission, error) {
	var sub document.Submission
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		if errors.Is(err, io.EOF) {
			return sub, xerrors.New("empty body")
		}
		return sub, err
	}
	if dec.More() {
		return sub, xerrors.New("trailing data after submission")
	}
	return sub, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
