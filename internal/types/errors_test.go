package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableError(t *testing.T) {
	baseErr := errors.New("base error")
	retryErr := NewRetryableError(baseErr)

	expectedMsg := "retryable error: base error"
	if retryErr.Error() != expectedMsg {
		t.Errorf("expected error message %q, got %q", expectedMsg, retryErr.Error())
	}

	if unwrapped := errors.Unwrap(retryErr); unwrapped != baseErr {
		t.Errorf("expected unwrapped error to be %v, got %v", baseErr, unwrapped)
	}

	var target *RetryableError
	if !errors.As(retryErr, &target) {
		t.Error("expected errors.As to match RetryableError")
	}
	if !errors.Is(retryErr, baseErr) {
		t.Error("expected errors.Is to match base error")
	}
}

func TestNewNetworkError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"not found is permanent", 404, false},
		{"forbidden is permanent", 403, false},
		{"rate limit is retryable", 429, true},
		{"server error is retryable", 503, true},
		{"no response is retryable", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewNetworkError("get pull request", tt.status, errors.New("boom"))

			var retryErr *RetryableError
			if got := errors.As(err, &retryErr); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
			if got := StatusCode(err); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestIsQuotaExceeded(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrQuotaExceeded, true},
		{"quota error", &QuotaError{Err: errors.New("write")}, true},
		{"wrapped quota error", fmt.Errorf("upsert: %w", &QuotaError{Err: errors.New("write")}), true},
		{"sqlite message", errors.New("database or disk is full (13)"), true},
		{"unrelated", errors.New("constraint failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQuotaExceeded(tt.err); got != tt.want {
				t.Errorf("IsQuotaExceeded(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
