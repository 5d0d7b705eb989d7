// Package ratelimit implements token-bucket rate limiting keyed by
// client identity, with dual IP+user gating for the HTTP surface.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stevessr/enrollq/clock"
)

// TokenBucket is a single-key rate accounting primitive. Tokens refill
// continuously at a fixed rate and accumulate up to capacity; each
// admitted request consumes tokens. The balance is recomputed lazily on
// every access, so an idle bucket costs nothing.
//
// Safe for concurrent use; each bucket has its own mutex so unrelated
// clients never serialize on one another.
type TokenBucket struct {
	clk        clock.Clock
	capacity   int
	refillRate float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket starting at full capacity.
// Fractional refill rates are supported: 0.1 means one token every 10s.
func NewTokenBucket(clk clock.Clock, capacity int, refillRate float64) (*TokenBucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be > 0, got %d", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("ratelimit: refill rate must be > 0, got %f", refillRate)
	}

	return &TokenBucket{
		clk:        clk,
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: clk.Now(),
	}, nil
}

// Consume deducts n tokens and returns true, or leaves the bucket
// untouched and returns false when fewer than n tokens are available.
func (b *TokenBucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Available returns the whole tokens currently in the bucket.
// Fractional balance is preserved internally and only truncated here.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return int(b.tokens)
}

// WaitTime returns how long until n tokens will be available, assuming
// no other consumers. Zero when n tokens are available now.
func (b *TokenBucket) WaitTime(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	missing := float64(n) - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// LastRefill returns when the bucket's balance was last recomputed.
// The sweeper uses it to detect idle buckets.
func (b *TokenBucket) LastRefill() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

// refund returns n tokens to the bucket, capped at capacity. Used by
// the dual-key gate so a denied request has no side effect.
func (b *TokenBucket) refund(n int) {
	b.mu.Lock()
	b.tokens = math.Min(float64(b.capacity), b.tokens+float64(n))
	b.mu.Unlock()
}

// refill recomputes the balance from elapsed time. Caller holds b.mu.
// A non-positive elapsed (clock skew) is treated as zero.
func (b *TokenBucket) refill() {
	now := b.clk.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.capacity), b.tokens+elapsed.Seconds()*b.refillRate)
	b.lastRefill = now
}
