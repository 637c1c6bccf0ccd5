// Package registrar submits documents to the registration API through a
// shared admission gate and classifies each response.
//
// Every Submit or SubmitRaw call is charged exactly one admission before the
// network call is made, whatever the outcome. Nothing is retried here.
package registrar

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/docgate/internal/cryptoutil"
	"github.com/keithlinneman/docgate/internal/document"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/transport"
	"github.com/keithlinneman/docgate/internal/xerrors"
)

// InternalErrorCode is reported when no HTTP response was obtained.
const InternalErrorCode = 500

const (
	MessageCreated  = "Document has been successfully created."
	MessageModified = "Document has been modified."
	MessageRejected = "Document has not been created."

	messageFailedPrefix = "Document has not been created: "
)

// Admitter blocks until a call may proceed or ctx is done.
// *ratelimit.Limiter satisfies it.
type Admitter interface {
	Acquire(ctx context.Context) error
}

// Attempt describes one submission as seen by OnResult.
type Attempt struct {
	DocID   string
	Digest  string
	Source  string
	Payload []byte
	// Waited is the time spent in Acquire, Elapsed covers the whole call
	Waited  time.Duration
	Elapsed time.Duration
}

type Options struct {
	Limiter   Admitter
	Transport transport.Transport
	Logger    log.Logger

	// OnResult is called once per Submit/SubmitRaw with the classified result.
	OnResult func(ctx context.Context, a Attempt, r Result)
}

// Client is safe for concurrent use.
type Client struct {
	limiter   Admitter
	transport transport.Transport
	logger    log.Logger
	onResult  func(ctx context.Context, a Attempt, r Result)
	tracer    trace.Tracer
	now       func() time.Time
}

var errMissingDependency = errors.New("registrar: missing dependency")

func New(opts Options) (*Client, error) {
	if opts.Limiter == nil {
		return nil, xerrors.Wrap(errMissingDependency, "limiter is required")
	}
	if opts.Transport == nil {
		return nil, xerrors.Wrap(errMissingDependency, "transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Client{
		limiter:   opts.Limiter,
		transport: opts.Transport,
		logger:    opts.Logger,
		onResult:  opts.OnResult,
		tracer:    otel.Tracer("docgate/registrar"),
		now:       time.Now,
	}, nil
}

// Submit waits for admission, serializes doc as JSON and sends it once.
func (c *Client) Submit(ctx context.Context, doc document.Document, expectedDigest string) Result {
	a := Attempt{DocID: doc.DocID, Digest: expectedDigest}
	return c.submit(ctx, &a, func() ([]byte, error) { return document.Marshal(doc) })
}

// SubmitRaw is Submit for an already serialized payload.
func (c *Client) SubmitRaw(ctx context.Context, payload []byte, expectedDigest string) Result {
	a := Attempt{Digest: expectedDigest}
	return c.submit(ctx, &a, func() ([]byte, error) { return payload, nil })
}

func (c *Client) submit(ctx context.Context, a *Attempt, encode func() ([]byte, error)) Result {
	start := c.now()
	a.Source = SourceFromContext(ctx)
	ctx, span := c.tracer.Start(ctx, "registrar.submit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	if a.DocID != "" {
		span.SetAttributes(attribute.String("document.id", a.DocID))
	}

	res := c.exchange(ctx, a, start, encode)
	a.Elapsed = c.now().Sub(start)

	span.SetAttributes(
		attribute.String("registrar.status", string(res.Status)),
		attribute.Int("registrar.code", res.Code),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Status.String())
	}

	c.logResult(ctx, a, res)
	if c.onResult != nil {
		c.onResult(ctx, *a, res)
	}
	return res
}

func (c *Client) exchange(ctx context.Context, a *Attempt, start time.Time, encode func() ([]byte, error)) Result {
	if err := c.limiter.Acquire(ctx); err != nil {
		a.Waited = c.now().Sub(start)
		return failed(xerrors.Wrap(err, "wait for admission"))
	}
	a.Waited = c.now().Sub(start)

	payload, err := encode()
	if err != nil {
		return failed(err)
	}
	a.Payload = payload

	resp, err := c.transport.Send(ctx, payload)
	if err != nil {
		return failed(xerrors.Wrap(err, "send document"))
	}
	return Classify(resp, a.Digest)
}

// Classify maps an HTTP response onto Created, Modified or Rejected.
// Only 200 counts as success.
func Classify(resp transport.Response, expectedDigest string) Result {
	if resp.StatusCode != 200 {
		return Result{Status: StatusRejected, Code: resp.StatusCode, Message: MessageRejected}
	}
	if !cryptoutil.DigestEqual(resp.Body, expectedDigest) {
		return Result{Status: StatusModified, Code: resp.StatusCode, Message: MessageModified}
	}
	return Result{Status: StatusCreated, Code: resp.StatusCode, Message: MessageCreated}
}

func failed(err error) Result {
	return Result{
		Status:  StatusFailed,
		Code:    InternalErrorCode,
		Message: messageFailedPrefix + err.Error(),
		Err:     err,
	}
}

func (c *Client) logResult(ctx context.Context, a *Attempt, r Result) {
	L := c.logger.With(
		"doc_id", a.DocID,
		"source", a.Source,
		"status", string(r.Status),
		"code", r.Code,
		"waited", a.Waited.String(),
		"elapsed", a.Elapsed.String(),
	)
	switch r.Status {
	case StatusCreated:
		L.Debug(ctx, "document submitted")
	case StatusModified, StatusRejected:
		L.Warn(ctx, r.Message)
	default:
		if r.Cancelled() {
			L.Warn(ctx, "document submission cancelled", "err", r.Err.Error())
			return
		}
		L.Error(ctx, r.Err, "document submission failed")
	}
}
