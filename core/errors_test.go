package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, false},
		{"wrapped not found", fmt.Errorf("lookup: %w", ErrNotFound), false},
		{"unavailable", ErrUnavailable, true},
		{"wrapped unavailable", fmt.Errorf("cti: %w", ErrUnavailable), true},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"validation", &ValidationError{Field: "id", Message: "missing"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryAfterExtraction(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("llm: %w", &RateLimitedError{RetryAfter: 3 * time.Second}))
	if !ok || d != 3*time.Second {
		t.Fatalf("expected advisory delay, got %v (ok=%v)", d, ok)
	}
	if _, ok := RetryAfter(ErrUnavailable); ok {
		t.Fatalf("expected no advisory delay for plain unavailable")
	}
	if _, ok := RetryAfter(&RateLimitedError{}); ok {
		t.Fatalf("zero retry-after must not count as advice")
	}
}

func TestStorageErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("put: %w", &StorageError{Op: "put", Err: cause})
	if !IsStorage(err) {
		t.Fatalf("expected storage classification")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to reach cause")
	}
	if IsRetryable(err) {
		t.Fatalf("storage errors degrade, they are not retried as stage outcomes")
	}
}
