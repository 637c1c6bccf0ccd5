package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/docgate/internal/httpserver"
	"github.com/keithlinneman/docgate/internal/intakehttp"
	"github.com/keithlinneman/docgate/internal/log"
	"github.com/keithlinneman/docgate/internal/ratelimit"
	"github.com/keithlinneman/docgate/internal/registrar"
	"github.com/keithlinneman/docgate/internal/transport"
)

// TestIntegration_IntakeThroughGate runs submissions through the full
// middleware chain, the intake API, the registrar and a shared limiter.
func TestIntegration_IntakeThroughGate(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	upstream := transport.Func(func(_ context.Context, body []byte) (transport.Response, error) {
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		return transport.Response{StatusCode: 200, Body: []byte("d-1")}, nil
	})

	lim, err := ratelimit.New(time.Hour, 2)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	client, err := registrar.New(registrar.Options{Limiter: lim, Transport: upstream, Logger: log.Nop()})
	if err != nil {
		t.Fatalf("registrar.New: %v", err)
	}
	api, err := intakehttp.NewAPI(intakehttp.Options{Submitter: client, Limiter: lim})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	srv := httptest.NewServer(httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		APIRoutes:    api.RegisterRoutes,
	}))
	defer srv.Close()

	submit := func(ctx context.Context, digest string) (*http.Response, error) {
		body := `{"document":{"docId":"x"},"digest":"` + digest + `"}`
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/v1/documents", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return http.DefaultClient.Do(req)
	}

	t.Run("created and modified", func(t *testing.T) {
		for digest, want := range map[string]registrar.Status{"d-1": registrar.StatusCreated, "other": registrar.StatusModified} {
			resp, err := submit(context.Background(), digest)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			var got intakehttp.SubmitResponse
			_ = json.NewDecoder(resp.Body).Decode(&got)
			resp.Body.Close()
			if resp.StatusCode != 200 || got.Status != want {
				t.Fatalf("digest %q: %d %+v", digest, resp.StatusCode, got)
			}
			if resp.Header.Get("X-Request-Id") == "" {
				t.Fatal("missing request id")
			}
		}
	})

	t.Run("third call waits and client gives up", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		if _, err := submit(ctx, "d-1"); err == nil {
			t.Fatal("third submission inside the window should still be waiting")
		}

		deadline := time.Now().Add(2 * time.Second)
		for lim.Waiting() != 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if lim.Waiting() != 0 {
			t.Fatalf("waiting = %d after client disconnect", lim.Waiting())
		}
		if lim.Active() != 2 {
			t.Fatalf("active = %d, cancelled wait must not consume a slot", lim.Active())
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(bodies))
	}
}
