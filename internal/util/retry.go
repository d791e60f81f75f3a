package util

import (
	"context"
	"time"
)

// MaxRetryDelay caps the exponential backoff between attempts.
const MaxRetryDelay = 30 * time.Second

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and capped at MaxRetryDelay. fn receives the zero-based attempt
// number. Retry returns nil on the first success, or the last error once all
// attempts fail. Context cancellation is honoured between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			} else if ctx.Err() != nil {
				return ctx.Err()
			}
			delay *= 2
			if delay > MaxRetryDelay {
				delay = MaxRetryDelay
			}
		}
	}

	return err
}
