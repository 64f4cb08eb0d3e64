package engine

import (
	"math"
	"time"
)

// RetryPolicy is an exponential backoff with jitter
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // fraction, 0.2 means ±20%
}

// DefaultRetryPolicy is 6 attempts, 2s base, doubling, capped at 5m, ±20%
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		Base:        2 * time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

// Delay returns the wait after the n-th failure (n starts at 1). The result
// is never below prev and never above MaxDelay, so a record's successive
// delays never shrink. rnd returns a value in [0, 1).
func (p RetryPolicy) Delay(n int, prev time.Duration, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(n-1))
	if p.Jitter > 0 && rnd != nil {
		d *= 1 + p.Jitter*(2*rnd()-1)
	}

	if ceiling := float64(p.MaxDelay); p.MaxDelay > 0 && d > ceiling {
		d = ceiling
	}
	delay := time.Duration(d)
	if delay < prev {
		delay = prev
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempts has used up the policy
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Policy groups the per-municipality timing knobs
type Policy struct {
	Retry          RetryPolicy
	PollInterval   time.Duration
	PollBackoff    RetryPolicy
	PollFailureCap int
}

// DefaultPolicy polls every 30s and flags a record for review after 20
// consecutive failed polls
func DefaultPolicy() Policy {
	return Policy{
		Retry:        DefaultRetryPolicy(),
		PollInterval: 30 * time.Second,
		PollBackoff: RetryPolicy{
			Base:       30 * time.Second,
			Multiplier: 2,
			MaxDelay:   30 * time.Minute,
			Jitter:     0.2,
		},
		PollFailureCap: 20,
	}
}
