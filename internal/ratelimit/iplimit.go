package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/docgate/internal/httpmw"
)

// client is one intake caller's token bucket
type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// warned is set after the first denial so we log once per offender until evicted
	warned bool
}

// IPLimiter throttles intake requests per client IP with background eviction of idle clients.
type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*client

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int
	retryAfter time.Duration

	OnFirstDenied func(ip string)
	OnDenied      func(ip string)
	OnCapacity    func()
}

type IPOption func(*IPLimiter)

// WithRate sets refill per second and bucket size.
// WithRate(2, 10) admits 10 submissions at once then 2 per second.
func WithRate(perSecond float64, burst int) IPOption {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle client is remembered
func WithTTL(d time.Duration) IPOption {
	return func(l *IPLimiter) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithMaxClients bounds the tracked client map. Once full, the least recently
// seen client is dropped to make room for a new one.
func WithMaxClients(n int) IPOption {
	return func(l *IPLimiter) {
		l.maxClients = n
	}
}

// WithRetryAfter sets the Retry-After header value sent with 429s
func WithRetryAfter(d time.Duration) IPOption {
	return func(l *IPLimiter) {
		l.retryAfter = d
	}
}

func WithOnFirstDenied(fn func(ip string)) IPOption {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) IPOption {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

func WithOnCapacity(fn func()) IPOption {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// NewIPLimiter creates the limiter and starts eviction, which stops when ctx is done.
func NewIPLimiter(ctx context.Context, opts ...IPOption) *IPLimiter {
	l := &IPLimiter{
		clients:    make(map[string]*client),
		perSecond:  5,
		burst:      20,
		ttl:        5 * time.Minute,
		maxClients: 10000,
		retryAfter: 30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// allow reports whether ip may proceed, hooks run after the lock is released
func (l *IPLimiter) allow(ip string) bool {
	full := false
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		if l.maxClients > 0 && len(l.clients) >= l.maxClients {
			l.evictOldestLocked()
			full = true
		}
		c = &client{bucket: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	allowed := c.bucket.Allow()
	first := !allowed && !c.warned
	if first {
		c.warned = true
	}
	l.mu.Unlock()

	if full && l.OnCapacity != nil {
		l.OnCapacity()
	}
	if allowed {
		return true
	}
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// evictOldestLocked drops the least recently seen client. l.mu must be held.
func (l *IPLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, c := range l.clients {
		if oldestIP == "" || c.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, c.lastSeen
		}
	}
	delete(l.clients, oldestIP)
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *IPLimiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, ip)
			n++
		}
	}
	return n
}

// Middleware rejects clients over their bucket with 429
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	retry := strconv.Itoa(int(l.retryAfter.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", retry)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
