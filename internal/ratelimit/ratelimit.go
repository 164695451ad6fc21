// Package ratelimit provides an abuse-aware token bucket keyed by
// (identity, category). Categories are scoped per route and verb so the
// connection-upgrade budget is independent from the message budget.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limit configures one bucket category.
type Limit struct {
	PerMinute int // sustained refill, tokens per minute
	Burst     int // bucket capacity
}

// Rate returns the continuous refill in tokens per second.
func (l Limit) Rate() float64 {
	return float64(l.PerMinute) / 60
}

// Result is the outcome of one allow check.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	Reset     int64 // epoch seconds when the next token is available
}

// RetryAfter returns how long the caller should wait before retrying.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := time.Unix(r.Reset, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Limiter checks and debits one token in a single atomic step.
type Limiter interface {
	Allow(ctx context.Context, identity, category string, limit Limit) (Result, error)
}

type bucket struct {
	tokens float64
	ts     time.Time
}

// Memory is a process-local Limiter with the same semantics as the Redis one.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemory constructs an empty in-memory limiter.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, identity, category string, limit Limit) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := category + ":" + identity
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(limit.Burst), ts: now}
		m.buckets[key] = b
	} else {
		elapsed := now.Sub(b.ts).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(float64(limit.Burst), b.tokens+elapsed*limit.Rate())
		}
		b.ts = now
	}

	res := Result{Limit: limit.Burst}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = int(b.tokens)
	if b.tokens >= 1 {
		res.Reset = now.Unix()
	} else {
		wait := (1 - b.tokens) / limit.Rate()
		res.Reset = now.Add(time.Duration(math.Ceil(wait * float64(time.Second)))).Unix()
	}
	return res, nil
}

// Category builds the per-route-and-verb category name.
func Category(verb, route string) string {
	return verb + " " + route
}
