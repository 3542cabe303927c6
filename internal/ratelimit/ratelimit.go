// Package ratelimit throttles requests per key with a token bucket, held in
// memory or in Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of taking one token for a key.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time     // when the bucket is full again
	RetryAfter time.Duration // zero when allowed
}

// Backend takes tokens from per-key buckets.
type Backend interface {
	Take(ctx context.Context, key string) (Result, error)
}

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter implements an in-process token-bucket rate limiter keyed by
// arbitrary string identifiers (e.g. client IP).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// getBucket returns the bucket for key, creating one if it doesn't exist.
// Must be called with l.mu held.
func (l *Limiter) getBucket(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:     float64(l.rate),
			lastRefill: l.now(),
		}
		l.buckets[key] = b
	}
	return b
}

// refillPerSecond is the rate at which tokens accumulate.
func (l *Limiter) refillPerSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

// refill adds tokens to the bucket based on elapsed time since the last refill.
// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * l.refillPerSecond()
	if b.tokens > float64(l.rate) {
		b.tokens = float64(l.rate)
	}
	b.lastRefill = now
}

// Allow checks whether a request identified by key is permitted. Returns true
// and consumes one token when allowed, false when the limit is exceeded.
func (l *Limiter) Allow(key string) bool {
	res, _ := l.Take(context.Background(), key)
	return res.Allowed
}

// Take consumes one token for key if available and reports the bucket state
// afterwards. It never returns an error.
func (l *Limiter) Take(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key)
	l.refill(b)

	res := Result{Limit: l.rate}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	} else {
		missing := 1 - b.tokens
		res.RetryAfter = time.Duration(missing / l.refillPerSecond() * float64(time.Second))
	}
	res.Remaining, res.ResetAt = l.state(b)
	return res, nil
}

// Status returns the current rate-limit state for key without consuming a
// token. remaining is floored to int and resetAt is the time at which the
// bucket will be fully replenished.
func (l *Limiter) Status(key string) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key)
	l.refill(b)
	remaining, resetAt = l.state(b)
	return l.rate, remaining, resetAt
}

// state must be called with l.mu held.
func (l *Limiter) state(b *bucket) (int, time.Time) {
	remaining := int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}

	// Time until full replenishment from current level.
	deficit := float64(l.rate) - b.tokens
	if deficit <= 0 {
		return remaining, l.now()
	}
	return remaining, l.now().Add(time.Duration(deficit / l.refillPerSecond() * float64(time.Second)))
}

// Sweep drops buckets that have been full for at least one window, bounding
// memory when keys are client addresses.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) >= l.window {
			delete(l.buckets, key)
			dropped++
		}
	}
	return dropped
}
