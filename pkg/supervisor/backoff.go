// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy decides how long to wait before reconnect attempt number
// attempt (starting at 0).
type BackoffPolicy interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier on every attempt, capped at
// Max. Jitter spreads each delay uniformly by ±Jitter (0-1) so that sessions
// dropped together do not reconnect in lockstep.
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Float64 returns a value in [0, 1). Defaults to math/rand/v2.
	Float64 func() float64
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = ExponentialBackoff{
	Initial:    time.Second,
	Max:        2 * time.Minute,
	Multiplier: 2,
	Jitter:     0.2,
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		rnd := b.Float64
		if rnd == nil {
			rnd = rand.Float64
		}
		d *= 1 - b.Jitter + 2*b.Jitter*rnd()
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ConstantBackoff always waits the same duration.
type ConstantBackoff time.Duration

func (c ConstantBackoff) Next(int) time.Duration {
	return time.Duration(c)
}
