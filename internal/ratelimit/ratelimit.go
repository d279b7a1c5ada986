// Package ratelimit caps how fast a caller can open research sessions.
// Each caller owns a token bucket that refills lazily on Allow, so the
// limiter needs no background goroutine.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when the caller's bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the session rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 disables limiting.
	BurstSize         int // Bucket capacity. 0 defaults to RequestsPerMinute.
}

// Limiter tracks one token bucket per caller. Buckets are independent, so
// one caller flooding the gateway cannot starve another.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter creates a rate limiter. With RequestsPerMinute zero the
// limiter is disabled and Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow consumes one token from the caller's bucket, refilling it for the
// time elapsed since the last call. Returns ErrRateLimited when empty.
func (l *Limiter) Allow(userID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[userID]
	if !ok {
		// New callers start with a full bucket.
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[userID] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
