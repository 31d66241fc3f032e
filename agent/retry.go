package agent

import (
	"math/rand"
	"time"
)

// Default retry parameters.
const (
	DefaultBaseDelay    = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultJitterFactor = 0.5
)

// RetryPolicy defines the backoff applied between node attempts and by the
// rate-limited call helper.
//
// Exponential backoff with jitter avoids thundering-herd retries when many
// executions hit the same failing dependency.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps exponential growth.
	MaxDelay time.Duration

	// JitterFactor widens each delay to a uniform multiplier in
	// [1-JitterFactor, 1+JitterFactor]. Zero disables jitter.
	JitterFactor float64
}

// DefaultRetryPolicy returns the stock policy: 1s base, 60s cap, 0.5 jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// normalized fills zero fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// Delay computes the backoff before attempt k (1-based retry count):
// min(base * 2^(k-1), max) scaled by the jitter multiplier.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	// Shift with overflow guard; 2^30 already exceeds any sane MaxDelay.
	if attempt-1 < 30 {
		d = p.BaseDelay * (1 << (attempt - 1))
	} else {
		d = p.MaxDelay
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.JitterFactor > 0 && rng != nil {
		lo := 1 - p.JitterFactor
		mult := lo + rng.Float64()*2*p.JitterFactor
		d = time.Duration(float64(d) * mult)
	}
	if d < 0 {
		d = 0
	}
	return d
}
