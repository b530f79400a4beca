package duck

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialRetryDelay = 50 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	maxRetryElapsed   = 30 * time.Second
)

// isTransactionConflictError reports whether an error is a DuckLake
// transaction conflict worth retrying. Concurrent staged writes against
// the same catalog can conflict on commit; everything else is permanent.
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "Transaction conflict") ||
		strings.Contains(errStr, "write-write conflict") ||
		strings.Contains(errStr, "Failed to commit DuckLake transaction") ||
		strings.Contains(errStr, "but another transaction has compacted it")
}

// retryOnConflict retries fn with exponential backoff as long as it keeps
// failing with a transaction conflict.
func retryOnConflict(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay
	bo.MaxElapsedTime = maxRetryElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return nil
		}
		if !isTransactionConflictError(err) {
			return backoff.Permanent(err)
		}
		log.Warn("transaction conflict detected, retrying", "operation", operation, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(bo, ctx))
}
