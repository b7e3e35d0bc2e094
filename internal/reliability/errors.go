package reliability

import (
	"errors"
	"fmt"
)

// BackendError reports a failed completion or synthesis call.
type BackendError struct {
	Service    string
	StatusCode int
	Category   string
	Err        error
}

// NewBackendError wraps err for service, deriving the category from status.
func NewBackendError(service string, status int, err error) *BackendError {
	return &BackendError{
		Service:    service,
		StatusCode: status,
		Category:   CategoryForStatus(status),
		Err:        err,
	}
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s backend error (%s, status %d): %v", e.Service, e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend error (%s): %v", e.Service, e.Category, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Retryable reports whether the failure looks transient.
func (e *BackendError) Retryable() bool {
	return e.StatusCode == 0 || IsRetryableHTTPStatus(e.StatusCode)
}

// AsrStreamError reports a streaming speech-to-text failure. Failures counts the
// consecutive reconnects that never reached an open stream.
type AsrStreamError struct {
	Failures int
	Err      error
}

func (e *AsrStreamError) Error() string {
	if e.Failures > 0 {
		return fmt.Sprintf("asr stream unavailable after %d consecutive failures: %v", e.Failures, e.Err)
	}
	return fmt.Sprintf("asr stream error: %v", e.Err)
}

func (e *AsrStreamError) Unwrap() error { return e.Err }

// AsBackendError extracts a *BackendError from err.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
