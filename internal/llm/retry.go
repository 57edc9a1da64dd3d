package llm

import (
	"context"
	"time"

	"personaforge/internal/logging"
	"personaforge/internal/types"
)

// RetryPolicy is a reusable retry specification: attempt budget, backoff
// schedule, and the predicate deciding which errors are worth retrying.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff returns the wait before retry attempt n (1-based).
	Backoff func(attempt int) time.Duration
	// Retryable decides whether an error warrants another attempt.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient service failures with exponential
// backoff: base, 2*base, 4*base, ...
func DefaultRetryPolicy(maxRetries int, base time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		Backoff: func(attempt int) time.Duration {
			return base << uint(attempt-1)
		},
		Retryable: types.IsTransient,
	}
}

// Do invokes fn until it succeeds, the error is not retryable, the
// attempt budget is exhausted, or ctx is done. The last error is
// returned on failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.Backoff(attempt)
			logging.DispatchDebug("retry %d/%d after %v: %v", attempt, p.MaxRetries, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
