package core

import (
	"errors"
	"fmt"
)

// Error represents a calling error surfaced to session observers or to the
// direct caller of a call-control operation.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Cause     error     `json:"-"`
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
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotConnected   ErrorType = "not_connected_error"
	ErrCallActive     ErrorType = "call_active_error"
	ErrTransport      ErrorType = "transport_error"
	ErrDisposed       ErrorType = "disposed_error"
	ErrAPI            ErrorType = "api_error"
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

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewPermissionError creates a permission error, e.g. audio capture denied.
func NewPermissionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrPermission,
		Message: message,
		Cause:   cause,
	}
}

// NewNotConnectedError is returned by call-control operations issued while
// the session is not connected.
func NewNotConnectedError(message string) *Error {
	return &Error{
		Type:    ErrNotConnected,
		Message: message,
	}
}

// NewCallActiveError rejects a second call while one is still active.
func NewCallActiveError(callID string) *Error {
	return &Error{
		Type:    ErrCallActive,
		Message: "a call is already active",
		Param:   callID,
	}
}

// NewTransportError wraps a realtime channel failure.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		Cause:   cause,
	}
}

// NewDisposedError is returned by every operation on a disposed manager.
func NewDisposedError() *Error {
	return &Error{
		Type:    ErrDisposed,
		Message: "session manager has been disposed",
	}
}

// NewAPIError creates a generic backend error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType reports whether err (or anything it wraps) is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var coreErr *Error
	if !errors.As(err, &coreErr) || coreErr == nil {
		return false
	}
	return coreErr.Type == t
}
