package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stevessr/enrollq/clock"
)

// Limiter is a registry of TokenBuckets keyed by arbitrary string keys
// (typically "ip:<addr>" or "user:<id>"). Buckets are created lazily on
// first reference and evicted by a periodic sweep once idle past a TTL,
// bounding growth of the key space.
//
// There is no global lock around bucket state: the registry mutex only
// guards the map, and each bucket synchronizes itself.
type Limiter struct {
	clk        clock.Clock
	capacity   int
	refillRate float64
	maxIdle    time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	buckets map[string]*TokenBucket

	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Defaults to the system clock.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) { l.clk = clk }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMaxIdle sets how long an untouched bucket survives before the
// sweep removes it.
func WithMaxIdle(d time.Duration) Option {
	return func(l *Limiter) { l.maxIdle = d }
}

// WithSweepInterval sets how often the background sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

// New creates a Limiter whose buckets hold capacity tokens and refill
// at refillRate tokens per second. It panics on a non-positive capacity
// or rate (programming error).
func New(capacity int, refillRate float64, opts ...Option) *Limiter {
	if capacity <= 0 || refillRate <= 0 {
		panic("ratelimit: capacity and refill rate must be > 0")
	}
	l := &Limiter{
		clk:        clock.NewSystem(),
		capacity:   capacity,
		refillRate: refillRate,
		maxIdle:    10 * time.Minute,
		sweepEvery: time.Minute,
		logger:     slog.Default(),
		buckets:    make(map[string]*TokenBucket),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewAPILimiter returns the general API limiter: 60 tokens, one per
// second, roughly 60 requests per minute with burst tolerance.
func NewAPILimiter(opts ...Option) *Limiter {
	return New(60, 1.0, opts...)
}

// NewSelectionLimiter returns the stricter course-selection limiter:
// 10 tokens refilling at 0.1/s, about one request per 10 seconds. It
// exists to damp thundering-herd traffic when registration opens.
func NewSelectionLimiter(opts ...Option) *Limiter {
	return New(10, 0.1, opts...)
}

// Check gets-or-creates the bucket for key and consumes n tokens from
// it. Returns false when the bucket has fewer than n tokens.
func (l *Limiter) Check(key string, n int) bool {
	return l.bucket(key).Consume(n)
}

// WaitTime reports how long the caller of key must wait for n tokens.
func (l *Limiter) WaitTime(key string, n int) time.Duration {
	return l.bucket(key).WaitTime(n)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep removes buckets idle longer than maxAge and returns how many
// were evicted.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	cutoff := l.clk.Now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.LastRefill().Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Start launches the background sweeper. It returns immediately.
func (l *Limiter) Start(_ context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return nil
	}
	l.running = true

	l.wg.Add(1)
	go l.sweepLoop()
	return nil
}

// Stop terminates the background sweeper and waits for it to exit.
func (l *Limiter) Stop(_ context.Context) error {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return nil
	}
	l.running = false
	l.runMu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	return nil
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.Sweep(l.maxIdle); n > 0 {
				l.logger.Debug("swept idle rate-limit buckets", slog.Int("evicted", n))
			}
		}
	}
}

// bucket returns the bucket for key, creating it on first reference.
func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		// Construction cannot fail here: capacity and rate were
		// validated when the Limiter was configured.
		b, _ = NewTokenBucket(l.clk, l.capacity, l.refillRate)
		l.buckets[key] = b
	}
	return b
}
