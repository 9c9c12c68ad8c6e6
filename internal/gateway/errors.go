package gateway

import (
	"errors"
	"fmt"
)

// ErrIncompleteEvent marks an intent that is missing fields required by its
// operation. It is a validation failure: never retried, never sent remotely.
var ErrIncompleteEvent = errors.New("gateway: incomplete event")

// APIError is a non-2xx response from the remote system.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: remote status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure is transient. Remote throttling (429)
// and server errors are retried with backoff; other client errors are fatal.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// IsRetryable classifies an execution error. Transport-level failures (no
// status at all) count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIncompleteEvent) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
