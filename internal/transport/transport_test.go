package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewHTTP_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host/x", "/relative", "http://", "://bad"} {
		if _, err := NewHTTP(u); err == nil {
			t.Fatalf("NewHTTP(%q) should fail", u)
		}
	}
}

func TestHTTP_SendPostsJSON(t *testing.T) {
	var gotMethod, gotCT, gotBody, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.UserAgent()
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte("digest-1"))
	}))
	defer srv.Close()

	tr, err := NewHTTP(srv.URL+"/api/v3/lk/documents/create", WithUserAgent("docgate/test"))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	resp, err := tr.Send(context.Background(), []byte(`{"docId":"a"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotMethod != http.MethodPost || gotCT != "application/json" || gotBody != `{"docId":"a"}` {
		t.Fatalf("request = %s %s %s", gotMethod, gotCT, gotBody)
	}
	if gotUA != "docgate/test" {
		t.Fatalf("User-Agent = %q", gotUA)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "digest-1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestHTTP_NonSuccessIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	tr, _ := NewHTTP(srv.URL)
	resp, err := tr.Send(context.Background(), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHTTP_BodyBounded(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"under limit", 9, false},
		{"at limit", 10, false},
		{"one over limit", 11, true},
		{"far over limit", 100, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(strings.Repeat("x", tc.size)))
			}))
			defer srv.Close()

			tr, _ := NewHTTP(srv.URL, WithMaxBodyBytes(10))
			resp, err := tr.Send(context.Background(), nil)
			if tc.wantErr {
				if !errors.Is(err, ErrTransport) || !strings.Contains(err.Error(), "response too large") {
					t.Fatalf("err = %v, want ErrTransport response too large", err)
				}
				if resp.Body != nil {
					t.Fatalf("truncated body returned: %d bytes", len(resp.Body))
				}
				return
			}
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if len(resp.Body) != tc.size {
				t.Fatalf("body len = %d, want %d", len(resp.Body), tc.size)
			}
		})
	}
}

func TestHTTP_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, _ := NewHTTP(url)
	_, err := tr.Send(context.Background(), []byte("{}"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, _ := NewHTTP(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := tr.Send(context.Background(), nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestHTTP_ContextCancelPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, _ := NewHTTP(srv.URL)
	_, err := tr.Send(ctx, nil)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want context.Canceled and ErrTransport", err)
	}
}

func TestFunc_Adapter(t *testing.T) {
	var tr Transport = Func(func(_ context.Context, body []byte) (Response, error) {
		return Response{StatusCode: 201, Body: body}, nil
	})
	resp, _ := tr.Send(context.Background(), []byte("x"))
	if resp.StatusCode != 201 || string(resp.Body) != "x" {
		t.Fatalf("resp = %+v", resp)
	}
}
