package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crestline/approvald/docstore"
)

const (
	maxAttempts  = 3
	retryBackoff = 100 * time.Millisecond
)

// retryable reports whether a failure is worth another attempt. Only
// store unavailability is; domain errors and corruption are not.
func retryable(err error) bool {
	return errors.Is(err, docstore.ErrUnavailable)
}

// withRetry runs fn up to maxAttempts times with doubling backoff,
// bounded by the context. Non-retryable failures return immediately.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	backoff := retryBackoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		logger.Warn("Store unavailable, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
