package eventsourcing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy creates the backoff schedule used when a command hits a concurrency conflict.
// A nil policy means the conflict is returned to the caller immediately.
type RetryPolicy func() backoff.BackOff

// ExponentialRetry retries up to maxRetries times, starting at initial and doubling.
func ExponentialRetry(maxRetries uint64, initial time.Duration) RetryPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, maxRetries)
	}
}

// RetryOnConflict runs fn and repeats it while it fails with ErrConcurrencyConflict.
// Any other error stops the retries and is returned as is.
func RetryOnConflict[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	if policy == nil {
		return fn()
	}

	return backoff.RetryWithData(func() (T, error) {
		result, err := fn()
		if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithContext(policy(), ctx))
}
