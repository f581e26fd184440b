package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"agentmcp/internal/logging"
)

// ErrLockExhausted is returned when the retry budget for "database is
// locked" conditions runs out.
var ErrLockExhausted = errors.New("database lock retries exhausted")

// Retry policy for the locked-database condition.
const (
	retryMaxAttempts  = 5
	retryInitialDelay = 100 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	retryBackoff      = 2.0
)

// IsLockedError reports whether err is SQLite's "database is locked"
// (or "database table is locked") condition. Only this condition is
// retried; everything else bubbles immediately.
func IsLockedError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// WithRetry runs fn with exponential backoff plus jitter on the locked
// condition. The first retry triggers a one-shot diagnostics probe of
// the database file and its sidecars.
func (s *Store) WithRetry(ctx context.Context, fn func() error) error {
	delay := retryInitialDelay
	var lastErr error

	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsLockedError(lastErr) {
			return lastErr
		}
		if attempt == retryMaxAttempts {
			break
		}

		if attempt == 0 {
			s.logLockDiagnostics()
		}

		// jitter in [0.5, 1.5) of the nominal delay
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		logging.StoreWarn("database locked, retry %d/%d in %v", attempt+1, retryMaxAttempts, jittered)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay = time.Duration(float64(delay) * retryBackoff)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrLockExhausted, retryMaxAttempts, lastErr)
}
