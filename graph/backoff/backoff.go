// Package backoff computes retry delays using capped exponential backoff
// with upward-biased jitter.
//
// The jitter is intentionally additive rather than symmetric: a realized
// delay always lands in [delay, 1.5*delay]. Symmetric jitter lets many
// concurrent callers collapse back onto the same retry instant; biasing
// upward spreads them out instead.
package backoff

import (
	"math/rand"
	"time"
)

// DefaultBase is the delay for the first retry attempt (attempt 0).
const DefaultBase = 1000 * time.Millisecond

// DefaultMax caps the exponential growth of the delay.
const DefaultMax = 30000 * time.Millisecond

// Policy configures delay computation between retry attempts.
//
// The zero value is not useful; construct with Default() or set fields
// explicitly. Delay grows as Base * 2^attempt, capped at Max.
type Policy struct {
	// Base is the delay for attempt 0. Each subsequent attempt doubles it.
	Base time.Duration

	// Max caps the computed delay. Jitter is applied before the final cap,
	// so no realized delay ever exceeds Max.
	Max time.Duration

	// Jitter adds a uniform random value in [0, delay/2] to the computed
	// delay. Disable only in tests that need exact values.
	Jitter bool

	// rng provides jitter randomness. Nil falls back to the shared
	// math/rand source.
	rng *rand.Rand
}

// Default returns the standard policy: 1s base, 30s cap, jitter on.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: true}
}

// WithRand returns a copy of the policy using the given random source for
// jitter. Used by deterministic tests and replay paths.
func (p Policy) WithRand(rng *rand.Rand) Policy {
	p.rng = rng
	return p
}

// Delay computes the wait before retry attempt n (zero-based).
//
// delay = min(Max, Base * 2^attempt), then + uniform[0, delay/2] when
// jitter is enabled, then capped at Max again. Attempt 0 yields exactly
// Base (plus jitter).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}

	delay := max
	// Guard the shift: past 62 bits the doubling has long since passed any
	// sane cap, and shifting further would overflow.
	if attempt < 62 {
		d := base << uint(attempt)
		if d > 0 && d < max {
			delay = d
		}
	}

	if p.Jitter && delay > 1 {
		half := int64(delay / 2)
		if half > 0 {
			var j int64
			if p.rng != nil {
				j = p.rng.Int63n(half + 1)
			} else {
				// Jitter timing only, not security sensitive.
				j = rand.Int63n(half + 1) // #nosec G404
			}
			delay += time.Duration(j)
		}
	}

	if delay > max {
		delay = max
	}
	return delay
}
