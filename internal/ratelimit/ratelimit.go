// Package ratelimit enforces per-tenant request quotas with a sliding
// 60-second window. The window is approximated from two fixed buckets: the
// current bucket's count plus the previous bucket's count weighted by its
// remaining overlap with the window. The Redis implementation shares state
// across replicas; the memory implementation serves single-node and test
// deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"mycel/internal/types"
)

// Window is the quota period. Tenant limits are expressed per minute.
const Window = time.Minute

// Decision is the outcome of one admission check, including the header
// material the API layer surfaces.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter admits or rejects one request against a keyed quota. A limit of
// zero or less means the key is unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (Decision, error)
}

// Err converts a rejecting decision into the domain error the API maps to
// 429 with Retry-After.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return types.RateLimitedError(d.RetryAfter)
}

func slidingCount(cur, prev int64, now time.Time) float64 {
	bucketStart := now.Truncate(Window)
	elapsed := now.Sub(bucketStart)
	prevWeight := float64(Window-elapsed) / float64(Window)
	return float64(cur) + float64(prev)*prevWeight
}

func decide(cur, prev int64, limit int, now time.Time) Decision {
	d := Decision{Limit: limit, ResetAt: now.Truncate(Window).Add(Window)}
	count := slidingCount(cur, prev, now)
	d.Remaining = limit - int(count)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count <= float64(limit) {
		d.Allowed = true
		return d
	}
	d.RetryAfter = d.ResetAt.Sub(now)
	return d
}

type memoryWindow struct {
	bucket time.Time
	cur    int64
	prev   int64
}

// MemoryLimiter is an in-process sliding window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

// NewMemoryLimiter builds an in-process limiter. now may be nil.
func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{windows: make(map[string]*memoryWindow), now: now}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (Decision, error) {
	now := l.now()
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: now.Truncate(Window).Add(Window)}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := now.Truncate(Window)
	w, ok := l.windows[key]
	if !ok {
		w = &memoryWindow{bucket: bucket}
		l.windows[key] = w
	}
	switch {
	case w.bucket.Equal(bucket):
	case w.bucket.Equal(bucket.Add(-Window)):
		w.prev, w.cur, w.bucket = w.cur, 0, bucket
	default:
		w.prev, w.cur, w.bucket = 0, 0, bucket
	}

	d := decide(w.cur+1, w.prev, limit, now)
	if d.Allowed {
		w.cur++
	}
	return d, nil
}

// Sweep drops windows idle for more than two periods. Called by the
// scheduler to bound memory on long-running nodes.
func (l *MemoryLimiter) Sweep() {
	now := l.now().Truncate(Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.Sub(w.bucket) > 2*Window {
			delete(l.windows, k)
		}
	}
}
