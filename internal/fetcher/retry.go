package fetcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/jaganathg/ota-updater/internal/errkind"
)

// retryDelay returns the exponential backoff for attempt (1-indexed),
// doubling from 1s and capped at 30s, per the spec's retry schedule.
func retryDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// sleepWithContext waits for d or until ctx is cancelled, whichever comes
// first, returning false in the latter case so the caller can abort
// promptly instead of finishing the wait.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WithRetry runs op up to maxRetries additional times beyond the first
// attempt, backing off between attempts, and stops immediately on a
// terminal error (checksum mismatch, 4xx, cancellation) or on context
// cancellation.
func WithRetry(ctx context.Context, maxRetries int, op func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if errkind.KindOf(err) == errkind.Cancelled {
			return err
		}
		if attempt > maxRetries || !errkind.Retryable(err) {
			return err
		}

		wait := retryDelay(attempt)
		slog.Warn("update operation failed, retrying", "attempt", attempt, "next_wait", wait, "error", err)
		if !sleepWithContext(ctx, wait) {
			return errkind.New(errkind.Cancelled, "fetcher.WithRetry", ctx.Err())
		}
	}
	return lastErr
}
