package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultAttempts bounds how often an order operation is tried.
	DefaultAttempts = 3
	// DefaultBackoff is the first retry delay; it doubles per attempt.
	DefaultBackoff = 500 * time.Millisecond
)

// WithRetry runs fn up to attempts times, doubling the delay between tries.
// Permanent failures abort immediately; the last error is returned when every
// attempt fails.
func WithRetry(ctx context.Context, attempts int, backoff time.Duration, logger *slog.Logger, op string, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	delay := backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		logger.Warn("retrying operation",
			"op", op,
			"attempt", attempt,
			"delay", delay.String(),
			"error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
