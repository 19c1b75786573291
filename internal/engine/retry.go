package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gantry-io/gantry/pkg/schema"
)

// IsRetryableError classifies whether a step handler failure should be
// retried. Retryable by default: network errors, timeouts, cancellation
// and context.DeadlineExceeded. Non-retryable: validation errors,
// permanent failures, typed EngineErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is the per-step timeout, worth another attempt.
	// Cancellation means the pass is shutting down, not a step fault; the
	// next pass retries the step.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	// EngineError checks its own code.
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative, the retry limit bounds attempts).
	return true
}

// RetryAfterHint extracts an explicit server-requested backoff in seconds
// from the error, if it carries one. Zero means no hint.
func RetryAfterHint(err error) int {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) && engErr.RetryAfterSeconds > 0 {
		return engErr.RetryAfterSeconds
	}
	return 0
}

// ComputeBackoff calculates the exponential backoff delay before the next
// attempt: base * 2^(attempts-1), capped. Attempts is the number of
// invocations already made; zero or negative yields no delay.
func ComputeBackoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts <= 0 || base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if cap > 0 && delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		delay = cap
	}
	return delay
}
