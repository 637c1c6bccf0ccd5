package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/docgate/internal/xerrors"
)

// RedisRecorder keeps cumulative totals in one hash plus per-minute bucket
// hashes that expire after ttl. Several docgate processes may share a prefix.
//
//	<prefix>:total              status -> count (never expires)
//	<prefix>:code               http code -> count (never expires)
//	<prefix>:minute:YYYYMMDDhhmm status -> count (ttl)
type RedisRecorder struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisRecorder)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithBucketTTL sets the expiry of per-minute buckets, 0 keeps them forever.
func WithBucketTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

func NewRedisRecorder(rdb redis.UniversalClient, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "docgate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr string, opts ...RedisOption) (*RedisRecorder, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrapf(err, "ping redis at %s", addr)
	}
	return NewRedisRecorder(rdb, opts...), nil
}

func (r *RedisRecorder) totalKey() string { return r.prefix + ":total" }
func (r *RedisRecorder) codeKey() string  { return r.prefix + ":code" }

func (r *RedisRecorder) bucketKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.totalKey(), ev.Status, 1)
	if ev.Code != 0 {
		pipe.HIncrBy(ctx, r.codeKey(), strconv.Itoa(ev.Code), 1)
	}
	bucket := r.bucketKey(at)
	pipe.HIncrBy(ctx, bucket, ev.Status, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucket, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(err, "record submission stats")
	}
	return nil
}

// Ping reports whether redis is reachable.
func (r *RedisRecorder) Ping(ctx context.Context) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return xerrors.Wrap(r.rdb.Ping(ctx).Err(), "ping redis")
}

func (r *RedisRecorder) Totals(ctx context.Context) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, r.totalKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(err, "read submission totals")
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, xerrors.Wrapf(err, "total for %q", k)
		}
		out[k] = n
	}
	return out, nil
}

func (r *RedisRecorder) Close() error { return r.rdb.Close() }
