package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mycel/internal/types"
)

// RedisLimiter is a sliding window limiter over shared Redis counters, so
// the quota holds across API replicas. Each window bucket is one INCR'd key
// expiring after two windows.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wraps a Redis client. prefix namespaces the counter keys;
// now may be nil.
func NewRedisLimiter(client redis.UniversalClient, prefix string, now func() time.Time) *RedisLimiter {
	if prefix == "" {
		prefix = "mycel:rl"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{client: client, prefix: prefix, now: now}
}

func (l *RedisLimiter) bucketKey(key string, bucket time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket.Unix())
}

// Allow implements Limiter. A Redis failure is reported as unavailable
// rather than silently admitting traffic.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	now := l.now()
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: now.Truncate(Window).Add(Window)}, nil
	}

	bucket := now.Truncate(Window)
	curKey := l.bucketKey(key, bucket)
	prevKey := l.bucketKey(key, bucket.Add(-Window))

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, curKey)
	pipe.Expire(ctx, curKey, 2*Window)
	prevGet := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Decision{}, types.Wrap(types.CodeUnavailable, err, "rate limiter backend")
	}

	cur := incr.Val()
	prev, err := prevGet.Int64()
	if err != nil && err != redis.Nil {
		return Decision{}, types.Wrap(types.CodeUnavailable, err, "rate limiter backend")
	}

	d := decide(cur, prev, limit, now)
	if !d.Allowed {
		// The probe still consumed a slot; give it back so rejected
		// requests do not extend the lockout.
		l.client.Decr(ctx, curKey)
	}
	return d, nil
}
