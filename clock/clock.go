// Package clock abstracts the time source so rate-limit refill
// arithmetic can be tested deterministically, without sleeps.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the wall clock.
type System struct{}

// NewSystem returns the wall-clock Clock. It is stateless and can be
// shared freely.
func NewSystem() *System { return &System{} }

// Now returns time.Now().
func (*System) Now() time.Time { return time.Now() }

// Manual is a Clock that only moves when told to. Use it in tests to
// control refill timing precisely.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored
// to preserve monotonicity.
func (c *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to an absolute instant. Unlike Advance this can
// move time backward; prefer Advance in tests.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
