package core

import (
	"errors"
	"fmt"
)

// Error is the error type surfaced by the assistant's components and
// rendered by the HTTP server inside an {"error": ...} envelope.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest        ErrorType = "invalid_request_error"
	ErrNotConfigured         ErrorType = "not_configured_error"
	ErrCapabilityUnavailable ErrorType = "capability_unavailable_error"
	ErrPersistence           ErrorType = "persistence_error"
	ErrNotFound              ErrorType = "not_found_error"
	ErrConflict              ErrorType = "conflict_error"
	ErrProvider              ErrorType = "provider_error"
	ErrAPI                   ErrorType = "api_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewNotConfiguredError reports that a remote capability has no credentials yet.
func NewNotConfiguredError(message string) *Error {
	return &Error{
		Type:    ErrNotConfigured,
		Message: message,
	}
}

// NewCapabilityUnavailableError wraps a failure to acquire a local device
// such as the microphone.
func NewCapabilityUnavailableError(capability string, underlying error) *Error {
	return &Error{
		Type:    ErrCapabilityUnavailable,
		Message: fmt.Sprintf("%s unavailable: %v", capability, underlying),
		Param:   capability,
		cause:   underlying,
	}
}

// NewPersistenceError wraps a durable storage failure.
func NewPersistenceError(key string, underlying error) *Error {
	return &Error{
		Type:    ErrPersistence,
		Message: fmt.Sprintf("persist %q: %v", key, underlying),
		Param:   key,
		cause:   underlying,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewConflictError reports an operation rejected because of current state,
// for example a submission while a live session is open.
func NewConflictError(message string, underlying error) *Error {
	return &Error{
		Type:    ErrConflict,
		Message: message,
		cause:   underlying,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewProviderError creates a provider-specific error.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:    ErrProvider,
		Message: fmt.Sprintf("%s: %v", provider, underlying),
		cause:   underlying,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrProvider, ErrAPI, ErrPersistence:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// TypeOf reports the ErrorType of the first *Error in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type, true
	}
	return "", false
}
