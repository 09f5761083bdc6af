// Package ratelimit throttles admin API operators. Every credential
// verification an operator triggers can cost a delegation call against the
// trust broker, so the gateway bounds each operator's request rate instead
// of letting one API key exhaust the broker quota shared by all tenants.
// Token buckets are refilled lazily on each Allow call; no background
// goroutines.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when an operator has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-operator token bucket rate limiter. Each operator gets an
// independent bucket keyed by the identity their API key maps to; one
// operator cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	operators map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		operators: make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
	}
}

// Allow checks whether the operator has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(operatorID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.operators[operatorID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.operators[operatorID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
