package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for the backend failure taxonomy.
var (
	// ErrBackendTimeout covers deadline-exceeded embedding calls. Retryable.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrBackendUnavailable covers connection-level failures. Retryable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrInvalidInput marks malformed requests (empty text, unknown model).
	// Permanent; never retried.
	ErrInvalidInput = errors.New("invalid embedding input")
)

// BackendError carries a non-2xx HTTP status from the embedding backend.
// 5xx and 429 responses are transient; anything else is permanent.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *BackendError) Transient() bool {
	return e.Status >= 500 || e.Status == 429
}

// RetriesExhaustedError wraps the last failure after the retry budget is
// spent, preserving the attempt count for dead-letter context.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("embedding failed after %d retries: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Retryable classifies an error per the failure taxonomy: timeouts,
// unavailability, and transient HTTP statuses may be retried; everything else
// fails immediately.
func Retryable(err error) bool {
	if errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBackendUnavailable) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient()
	}
	return false
}
