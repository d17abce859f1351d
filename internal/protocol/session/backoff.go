package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait after the n-th consecutive failure (1-based). A multiplier
// below 1 is treated as 1, so the zero value of Multiplier gives a fixed delay.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := max(b.Multiplier, 1)
	d := float64(b.InitialDelay) * math.Pow(mult, float64(max(n, 1)-1))
	if b.MaxDelay > 0 {
		d = min(d, float64(b.MaxDelay))
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		d *= f
	}
	return time.Duration(d)
}

// Retry tracks consecutive connect failures to one peer. Not safe for concurrent use.
type Retry struct {
	cfg      BackoffConfig
	rng      *rand.Rand
	failures int
}

func NewRetry(cfg BackoffConfig, rng *rand.Rand) *Retry {
	return &Retry{cfg: cfg, rng: rng}
}

// Fail records a failure and returns how long to wait before the next attempt.
func (r *Retry) Fail() time.Duration {
	r.failures++
	return r.cfg.Delay(r.failures, r.rng)
}

// Reset is called once a connection is established.
func (r *Retry) Reset() {
	r.failures = 0
}

func (r *Retry) Failures() int {
	return r.failures
}
