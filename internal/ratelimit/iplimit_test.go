package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/docgate/internal/httpmw"
)

func newTestIPLimiter(t *testing.T, opts ...IPOption) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	all := append([]IPOption{WithRate(10, 5), WithTTL(100 * time.Millisecond)}, opts...)
	return NewIPLimiter(ctx, all...)
}

func requestFrom(h http.Handler, ip string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), ip))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestIPLimiter_BurstThenDeny(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(1, 3))
	for i := 0; i < 3; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}
	if l.allow("10.0.0.1") {
		t.Fatal("request 4 should be denied")
	}
}

func TestIPLimiter_SeparateBuckets(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(1, 1))
	l.allow("10.0.0.1")
	if l.allow("10.0.0.1") {
		t.Fatal("ip1 should be denied")
	}
	if !l.allow("10.0.0.2") {
		t.Fatal("ip2 has its own bucket")
	}
}

func TestIPLimiter_Refill(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(100, 1))
	l.allow("10.0.0.1")
	if l.allow("10.0.0.1") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(25 * time.Millisecond)
	if !l.allow("10.0.0.1") {
		t.Fatal("bucket should have refilled")
	}
}

func TestIPLimiter_HooksFire(t *testing.T) {
	var first, denied atomic.Int32
	l := newTestIPLimiter(t,
		WithRate(1, 1),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)
	l.allow("10.0.0.1")
	for i := 0; i < 4; i++ {
		l.allow("10.0.0.1")
	}
	if got := first.Load(); got != 1 {
		t.Fatalf("OnFirstDenied = %d, want 1", got)
	}
	if got := denied.Load(); got != 4 {
		t.Fatalf("OnDenied = %d, want 4", got)
	}
}

func TestIPLimiter_NilHooks(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(1, 1), WithMaxClients(1))
	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
}

func TestIPLimiter_EvictIdle(t *testing.T) {
	l := newTestIPLimiter(t, WithTTL(time.Hour))
	l.allow("10.0.0.1")

	if n := l.evictIdle(time.Now()); n != 0 {
		t.Fatalf("evicted %d fresh clients", n)
	}
	if n := l.evictIdle(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) != 0 {
		t.Fatalf("clients = %d, want 0", len(l.clients))
	}
}

func TestIPLimiter_EvictionResetsWarning(t *testing.T) {
	var first atomic.Int32
	l := newTestIPLimiter(t,
		WithRate(1, 1),
		WithTTL(time.Hour),
		WithOnFirstDenied(func(string) { first.Add(1) }),
	)
	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	l.evictIdle(time.Now().Add(2 * time.Hour))
	l.allow("10.0.0.1")
	l.allow("10.0.0.1")
	if got := first.Load(); got != 2 {
		t.Fatalf("OnFirstDenied = %d, want 2 after eviction", got)
	}
}

func TestIPLimiter_EvictLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewIPLimiter(ctx, WithTTL(20*time.Millisecond))
	l.allow("10.0.0.1")
	cancel()
	time.Sleep(60 * time.Millisecond)
	// no assertion beyond not hanging or racing, eviction may or may not have run before cancel
}

func TestIPLimiter_MaxClientsEvictsLeastRecentlySeen(t *testing.T) {
	var capacity atomic.Int32
	l := newTestIPLimiter(t,
		WithRate(100, 100),
		WithTTL(time.Hour),
		WithMaxClients(2),
		WithOnCapacity(func() { capacity.Add(1) }),
	)
	if !l.allow("10.0.0.1") || !l.allow("10.0.0.2") {
		t.Fatal("first two clients should be admitted")
	}
	l.mu.Lock()
	l.clients["10.0.0.1"].lastSeen = time.Now().Add(-time.Minute)
	l.mu.Unlock()

	if !l.allow("10.0.0.3") {
		t.Fatal("new client should be admitted when the table is full")
	}
	if capacity.Load() != 1 {
		t.Fatalf("OnCapacity = %d, want 1", capacity.Load())
	}

	l.mu.Lock()
	_, stale := l.clients["10.0.0.1"]
	_, recent := l.clients["10.0.0.2"]
	n := len(l.clients)
	l.mu.Unlock()
	if stale || !recent || n != 2 {
		t.Fatalf("after eviction: stale=%v recent=%v clients=%d", stale, recent, n)
	}
}

func TestIPLimiter_MaxClientsBurstDoesNotLockOutKnownClient(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(100, 100), WithMaxClients(4))
	for i := 0; i < 50; i++ {
		if !l.allow("198.51.100." + strconv.Itoa(i)) {
			t.Fatalf("distinct client %d denied", i)
		}
		if !l.allow("10.0.0.1") {
			t.Fatalf("active client denied after %d distinct peers", i+1)
		}
	}
}

func TestIPLimiter_MaxClientsZeroDisables(t *testing.T) {
	l := newTestIPLimiter(t, WithMaxClients(0))
	for i := 0; i < 50; i++ {
		ip := "10.0.1." + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if !l.allow(ip) {
			t.Fatalf("client %d denied with no cap", i)
		}
	}
}

func TestIPLimiter_Middleware429(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(1, 2), WithRetryAfter(15*time.Second))
	h := l.Middleware(okHandler)

	for i := 0; i < 2; i++ {
		if w := requestFrom(h, "203.0.113.1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, w.Code)
		}
	}
	w := requestFrom(h, "203.0.113.1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "15" {
		t.Errorf("Retry-After = %q, want 15", got)
	}
	if got := w.Body.String(); got != `{"error":"too many requests"}` {
		t.Errorf("body = %q", got)
	}
}

func TestIPLimiter_MiddlewareDeniedNeverReachesHandler(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(1, 1))
	var reached atomic.Int32
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
	}))
	for i := 0; i < 5; i++ {
		requestFrom(h, "203.0.113.9")
	}
	if reached.Load() != 1 {
		t.Fatalf("handler reached %d times, want 1", reached.Load())
	}
}

func TestIPLimiter_Concurrent(t *testing.T) {
	l := newTestIPLimiter(t, WithRate(1000, 1000), WithMaxClients(10))
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.allow("10.0.2." + string(rune('a'+g)))
			}
		}(g)
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) > 10 {
		t.Fatalf("tracked %d clients, cap is 10", len(l.clients))
	}
}
