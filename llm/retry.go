package llm

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff. Only the
// initial connection attempt is retried; an established stream is never
// replayed.
type RetryPolicy struct {
	MaxRetries        int     // retry attempts beyond the initial call
	BaseDelay         float64 // seconds
	MaxDelay          float64 // seconds
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the backoff delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		delay *= 0.5 + rand.Float64() // +/- 50%
	}
	return time.Duration(delay * float64(time.Second))
}

// retry executes fn with the configured policy, retrying only retryable
// errors. A RateLimitError's Retry-After overrides the computed delay; when
// it exceeds MaxDelay the error is surfaced immediately.
func retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if rl, ok := err.(*RateLimitError); ok && rl.RetryAfter != nil {
			after := time.Duration(*rl.RetryAfter * float64(time.Second))
			if after > time.Duration(policy.MaxDelay*float64(time.Second)) {
				return zero, err
			}
			delay = after
		}

		slog.Debug("retrying model request", "attempt", attempt+1, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return zero, &NetworkError{TransportError: TransportError{
				Message: "request cancelled during retry backoff", Cause: ctx.Err(),
			}}
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
