package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a lookup miss on the CTI platform. It is permanent for
// lookups: retrying the same query is not expected to succeed, so it never
// enters the retry path.
var ErrNotFound = errors.New("not found")

// ErrUnavailable reports a transient collaborator fault (network error,
// 5xx response, timeout). Callers retry with backoff.
var ErrUnavailable = errors.New("collaborator unavailable")

// RateLimitedError reports provider-side throttling. RetryAfter carries the
// advisory delay returned by the provider; zero means no advice was given.
// The orchestrator's backoff honors the advisory delay when it exceeds the
// computed backoff interval.
type RateLimitedError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// StorageError wraps a storage-layer fault (memory store or task store).
// Caching is an optimization, not a correctness requirement: callers log and
// continue without caching rather than failing the task.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError reports a malformed task payload. Permanent: the task
// fails immediately without entering the retry path.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// IsRetryable classifies an error per the framework taxonomy. Rate limiting,
// collaborator unavailability and call timeouts are transient; NotFound and
// validation failures are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}

	if errors.Is(err, ErrNotFound) {
		return false
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}

	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// RetryAfter extracts the advisory retry delay from a rate limit error.
// The boolean reports whether the error carried one.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsStorage reports whether the error originated in the memory store.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
