// Package backoff computes retry delays. Strategies are stateless and
// safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant { return &Constant{Interval: interval} }

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt, capped at Max, then spreads
// the result by ±Jitter (a fraction, e.g. 0.2 for ±20%) so simultaneous
// retries don't re-claim in lockstep.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func NewExponential(base, maxDelay time.Duration, jitter float64) *Exponential {
	return &Exponential{Base: base, Max: maxDelay, Jitter: jitter}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter > 0 {
		// Uniform in [d*(1-Jitter), d*(1+Jitter)].
		d *= 1 - e.Jitter + 2*e.Jitter*rand.Float64()
	}
	return time.Duration(d)
}

// Default returns the strategy used by the queue when none is configured:
// 1s base, 5m cap, ±20% jitter.
func Default() Strategy {
	return NewExponential(time.Second, 5*time.Minute, 0.2)
}
