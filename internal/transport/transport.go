// Package transport sends serialized documents to the registration API.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/docgate/internal/xerrors"
)

// DefaultURL is the CRPT "create document" endpoint.
const DefaultURL = "https://ismp.crpt.ru/api/v3/lk/documents/create"

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 1 << 20
)

// ErrTransport marks failures where no usable HTTP response was obtained,
// including a response body larger than the configured bound.
var ErrTransport = errors.New("transport failure")

var errResponseTooLarge = errors.New("response too large")

// Response is the part of an HTTP response the registrar classifies.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs one synchronous send. A returned error means no usable
// response; non-2xx statuses are not errors.
type Transport interface {
	Send(ctx context.Context, body []byte) (Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, body []byte) (Response, error)

func (f Func) Send(ctx context.Context, body []byte) (Response, error) { return f(ctx, body) }

// HTTP POSTs application/json bodies to a fixed URL.
type HTTP struct {
	url          string
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
}

type HTTPOption func(*HTTP)

// WithClient replaces the default otelhttp-instrumented client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

// WithMaxBodyBytes bounds the response body; larger bodies fail the send.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) { h.userAgent = ua }
}

// NewHTTP returns an HTTP transport for rawURL, which must be absolute http(s).
func NewHTTP(rawURL string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse api url %q", rawURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Newf("api url %q must be an absolute http(s) url", rawURL)
	}

	h := &HTTP{
		url: u.String(),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTP) URL() string { return h.url }

// Send POSTs body and returns the status and response body. A body over
// maxBodyBytes is an ErrTransport so it is never compared truncated.
func (h *HTTP) Send(ctx context.Context, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, transportError(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, transportError(err, "post")
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes+1))
	if err != nil {
		return Response{}, transportError(err, "read response")
	}
	if int64(len(b)) > h.maxBodyBytes {
		return Response{}, transportError(errResponseTooLarge, "read response")
	}
	// drain the remainder so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, h.maxBodyBytes))

	return Response{StatusCode: resp.StatusCode, Body: b}, nil
}

// transportError marks err with ErrTransport and keeps it in the chain.
func transportError(err error, stage string) error {
	return xerrors.Newf("%w: %s: %w", ErrTransport, stage, err)
}
