package domain

import (
	"math"
	"time"
)

// RetryPolicy is the exponential backoff used between sync attempts.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0..1, proportional to the computed delay
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    time.Minute,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2,
		JitterFactor: 0.2,
	}
}

// BaseDelayFor returns the capped exponential delay for attempt without jitter.
// attempt is the number of failures already recorded.
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay adds jitter in [0, JitterFactor*delay) to BaseDelayFor.
// random must return values in [0,1); pass rand.Float64.
func (p RetryPolicy) Delay(attempt int, random func() float64) time.Duration {
	d := p.BaseDelayFor(attempt)
	if p.JitterFactor <= 0 || random == nil {
		return d
	}
	jitter := time.Duration(float64(d) * p.JitterFactor * random())
	return d + jitter
}

// MaxJitteredDelay is the upper bound Delay can ever return.
func (p RetryPolicy) MaxJitteredDelay() time.Duration {
	return time.Duration(float64(p.MaxDelay) * (1 + p.JitterFactor))
}
