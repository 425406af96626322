package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryableError represents an error that indicates the operation can be retried.
// Provider adapters use it for transient failures like rate limits or 5xx responses.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an existing error as a RetryableError.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// NetworkError is a provider client failure. Status carries the HTTP-like status code,
// 0 when the request never got a response.
type NetworkError struct {
	Status int
	Op     string
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same request may succeed.
func (e *NetworkError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NewNetworkError builds a NetworkError; transient statuses are additionally marked retryable.
func NewNetworkError(op string, status int, err error) error {
	ne := &NetworkError{Status: status, Op: op, Err: err}
	if ne.Temporary() {
		return &RetryableError{Err: ne}
	}
	return ne
}

// StatusCode extracts the provider status from err, or 0.
func StatusCode(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Status
	}
	return 0
}

// ErrSchemaViolation is returned when a record cannot be normalized into a valid shape.
var ErrSchemaViolation = errors.New("schema violation")

// ErrQuotaExceeded marks a persistence failure caused by exhausted storage.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// QuotaError wraps a backend write failure that was classified as quota exhaustion.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %v", e.Err)
}

func (e *QuotaError) Unwrap() []error {
	return []error{ErrQuotaExceeded, e.Err}
}

// IsQuotaExceeded reports whether err signals exhausted storage.
//
// Detection is backend specific: the sqlite SQLITE_FULL result code and its message text.
// Other storage engines report quota exhaustion differently and will not be detected here.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return true
	}
	return strings.Contains(err.Error(), "database or disk is full")
}
