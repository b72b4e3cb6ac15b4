package infra

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential reconnect delays with jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, 0.2 = +/-20%
}

// NewBackoff converts the config section, filling zero fields with defaults.
func NewBackoff(cfg BackoffConfig) Backoff {
	b := Backoff{Min: cfg.Min, Max: cfg.Max, Factor: cfg.Factor, Jitter: cfg.Jitter}
	if b.Min <= 0 {
		b.Min = 250 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = 30 * time.Second
		if b.Max < b.Min {
			b.Max = b.Min
		}
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	return b
}

// Next returns the delay before attempt (0-based). rng may be nil to
// disable jitter.
func (b Backoff) Next(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Min) * math.Pow(b.Factor, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	if rng != nil && b.Jitter > 0 {
		d += d * b.Jitter * (rng.Float64()*2 - 1)
	}
	if d < float64(b.Min) {
		d = float64(b.Min)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
