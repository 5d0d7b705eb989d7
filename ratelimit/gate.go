package ratelimit

import "time"

// Decision is the outcome of a gate check. RetryAfter is the advisory
// wait before the caller should try again; zero when admitted.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Gate applies the dual-key admission policy: a request passes only
// when both its IP-derived bucket and, when known, its user-derived
// bucket have tokens. Exhausting either blocks the request.
type Gate struct {
	limiter *Limiter
}

// NewGate creates a Gate over the given limiter. Both keys draw from
// the same limiter so IP and user budgets share one configuration.
func NewGate(l *Limiter) *Gate {
	return &Gate{limiter: l}
}

// Check admits or rejects a request identified by ipKey and, when the
// caller is authenticated, userKey (empty string skips the user check).
//
// On a mixed outcome the token taken from the bucket that passed is
// refunded, so a denied request leaves both buckets untouched. The
// reported RetryAfter is the worse of the two individual wait times.
func (g *Gate) Check(ipKey, userKey string) Decision {
	ipBucket := g.limiter.bucket(ipKey)

	if !ipBucket.Consume(1) {
		return g.denied(ipKey, userKey)
	}

	if userKey == "" {
		return Decision{Allowed: true}
	}

	if !g.limiter.bucket(userKey).Consume(1) {
		ipBucket.refund(1)
		return g.denied(ipKey, userKey)
	}

	return Decision{Allowed: true}
}

func (g *Gate) denied(ipKey, userKey string) Decision {
	wait := g.limiter.WaitTime(ipKey, 1)
	if userKey != "" {
		if w := g.limiter.WaitTime(userKey, 1); w > wait {
			wait = w
		}
	}
	return Decision{Allowed: false, RetryAfter: wait}
}
