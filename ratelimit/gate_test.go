package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stevessr/enrollq/clock"
	"github.com/stevessr/enrollq/ratelimit"
)

func TestGateAdmitsWhenBothBucketsHaveTokens(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	g := ratelimit.NewGate(ratelimit.New(5, 1.0, ratelimit.WithClock(clk)))

	d := g.Check(ratelimit.IPKey("10.0.0.1"), ratelimit.UserKey(42))
	if !d.Allowed {
		t.Fatal("fresh gate should admit")
	}
	if d.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 on admission", d.RetryAfter)
	}
}

func TestGateSkipsUserCheckWhenAnonymous(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(2, 0.001, ratelimit.WithClock(clk))
	g := ratelimit.NewGate(l)

	for i := 0; i < 2; i++ {
		if d := g.Check(ratelimit.IPKey("10.0.0.1"), ""); !d.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if d := g.Check(ratelimit.IPKey("10.0.0.1"), ""); d.Allowed {
		t.Fatal("exhausted IP bucket should block")
	}
	// Only the IP bucket was ever touched.
	if got := l.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestGateBlocksWhenIPExhausted(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(3, 0.1, ratelimit.WithClock(clk))
	g := ratelimit.NewGate(l)

	ip := ratelimit.IPKey("10.0.0.1")
	l.Check(ip, 3) // drain

	d := g.Check(ip, ratelimit.UserKey(7))
	if d.Allowed {
		t.Fatal("empty IP bucket should block even with a fresh user bucket")
	}
	if d.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", d.RetryAfter)
	}
	// The user bucket was never debited.
	if got := l.WaitTime(ratelimit.UserKey(7), 3); got != 0 {
		t.Errorf("user bucket wait = %v, want 0", got)
	}
}

func TestGateRefundsIPTokenOnUserDenial(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(3, 0.1, ratelimit.WithClock(clk))
	g := ratelimit.NewGate(l)

	ip := ratelimit.IPKey("10.0.0.1")
	user := ratelimit.UserKey(7)
	l.Check(user, 3) // drain the user bucket only

	d := g.Check(ip, user)
	if d.Allowed {
		t.Fatal("empty user bucket should block")
	}
	// The passing IP bucket must be made whole: all 3 tokens remain.
	if !l.Check(ip, 3) {
		t.Error("IP token was not refunded after user denial")
	}
}

func TestGateRetryAfterIsWorstOfBothKeys(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := ratelimit.New(2, 0.1, ratelimit.WithClock(clk))
	g := ratelimit.NewGate(l)

	ip := ratelimit.IPKey("10.0.0.1")
	user := ratelimit.UserKey(7)
	l.Check(ip, 1)   // 1 token left, no wait needed
	l.Check(user, 2) // empty, 10s for the next token

	d := g.Check(ip, user)
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want the user bucket's 10s", d.RetryAfter)
	}
}
