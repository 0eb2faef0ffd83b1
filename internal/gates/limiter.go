// Package gates holds the fast local pre-checks consulted before an expensive
// external call: rate limiters and the circuit breaker.
package gates

import (
	"math"
	"sync"
	"time"
)

// RateLimiter is the narrow interface the pipeline consumes.
type RateLimiter interface {
	TryConsume() bool
	AvailableTokens() int
}

// TokenBucket is an in-process token bucket refilled at Rate tokens per second
// up to Burst.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewTokenBucket starts full. A non-positive rate or burst disables limiting.
func NewTokenBucket(rate float64, burst int, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   now(),
		now:    now,
	}
}

// TryConsume takes one token if available.
func (b *TokenBucket) TryConsume() bool {
	if b == nil || b.rate <= 0 || b.burst <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// AvailableTokens reports whole tokens currently in the bucket.
func (b *TokenBucket) AvailableTokens() int {
	if b == nil || b.rate <= 0 || b.burst <= 0 {
		return math.MaxInt32
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return int(b.tokens)
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(b.burst), b.tokens+elapsed*b.rate)
		b.last = now
	}
}
