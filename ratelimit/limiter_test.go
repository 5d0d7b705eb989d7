package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stevessr/enrollq/clock"
	"github.com/stevessr/enrollq/ratelimit"
)

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on non-positive capacity")
		}
	}()
	ratelimit.New(0, 1.0)
}

func TestLimiterCreatesBucketsLazily(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(10, 1.0, ratelimit.WithClock(clk))

	if got := l.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0 before any check", got)
	}

	l.Check("ip:10.0.0.1", 1)
	l.Check("ip:10.0.0.2", 1)
	l.Check("ip:10.0.0.1", 1) // same key, no new bucket

	if got := l.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(2, 0.001, ratelimit.WithClock(clk))

	if !l.Check("user:1", 2) {
		t.Fatal("fresh key should have full capacity")
	}
	if l.Check("user:1", 1) {
		t.Fatal("drained key should reject")
	}
	if !l.Check("user:2", 2) {
		t.Error("draining one key must not affect another")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(10, 1.0, ratelimit.WithClock(clk))

	l.Check("ip:old", 1)
	clk.Advance(time.Hour)
	l.Check("ip:fresh", 1)

	evicted := l.Sweep(30 * time.Minute)
	if evicted != 1 {
		t.Errorf("Sweep evicted %d buckets, want 1", evicted)
	}
	if got := l.Len(); got != 1 {
		t.Errorf("Len() after sweep = %d, want 1", got)
	}

	// The evicted key starts over with a full bucket.
	if !l.Check("ip:old", 10) {
		t.Error("recreated bucket should start full")
	}
}

func TestSweepKeepsActiveBuckets(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(10, 1.0, ratelimit.WithClock(clk))

	l.Check("ip:a", 1)
	l.Check("ip:b", 1)
	clk.Advance(time.Minute)

	if evicted := l.Sweep(5 * time.Minute); evicted != 0 {
		t.Errorf("Sweep evicted %d buckets, want 0", evicted)
	}
}

func TestPresetLimiters(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))

	api := ratelimit.NewAPILimiter(ratelimit.WithClock(clk))
	if !api.Check("ip:x", 60) {
		t.Error("API limiter should allow a burst of 60")
	}
	if api.Check("ip:x", 1) {
		t.Error("API limiter should reject the 61st")
	}

	sel := ratelimit.NewSelectionLimiter(ratelimit.WithClock(clk))
	if !sel.Check("user:1", 10) {
		t.Error("selection limiter should allow a burst of 10")
	}
	if sel.Check("user:1", 1) {
		t.Error("selection limiter should reject the 11th")
	}
}
