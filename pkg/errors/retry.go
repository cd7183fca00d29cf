package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines how retry attempts should be executed.
// Every retry in the node is explicit and bounded by one of these.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (first try included).
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor applied to the delay after each attempt
	Multiplier float64

	// Jitter adds randomness to the delay to prevent thundering herd.
	// 0.0 = none, 1.0 = delay drawn from [0, 2*delay).
	Jitter float64
}

// DefaultRetryPolicy returns the policy used for most network operations.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// PublishRetryPolicy returns the policy for descriptor publication:
// 2s initial backoff growing to 60s.
func PublishRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// delayFor computes the delay before retry attempt n (0-based).
func (p *RetryPolicy) delayFor(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. Only errors of KindLocal, KindCircuitFault and
// KindServiceUnreachable are retried; the other kinds are returned
// immediately.
func Retry(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.delayFor(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		switch KindOf(lastErr) {
		case KindLocal, KindCircuitFault, KindServiceUnreachable:
			// retryable
		default:
			return lastErr
		}
	}
	return lastErr
}
