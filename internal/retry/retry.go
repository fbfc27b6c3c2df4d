// Package retry provides a generic exponential-backoff retry wrapper for
// calls to unreliable external dependencies.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Do runs op up to maxAttempts times. After each failed attempt it waits
// base * 2^(attempt-1) before trying again. The final error is returned,
// wrapped with the attempt count, once all attempts are exhausted. The
// context cancels the wait between attempts, not op itself.
func Do(ctx context.Context, maxAttempts int, base time.Duration, op func() error) error {
	_, err := DoValue(ctx, maxAttempts, base, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, maxAttempts int, base time.Duration, op func() (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		return zero, fmt.Errorf("retry: maxAttempts must be >= 1, got %d", maxAttempts)
	}

	var lastErr error
	delay := base
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry: canceled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, fmt.Errorf("retry: all %d attempts failed: %w", maxAttempts, lastErr)
}
