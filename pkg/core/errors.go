package core

import (
	"errors"
	"fmt"
)

// Error is the canonical error shape shared by the SDK and the core packages.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
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
	// ErrInvalidRequest marks a malformed local request (empty credential, nil args).
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrJoin marks a failed session establishment. The session is re-joinable.
	ErrJoin ErrorType = "join_error"
	// ErrNotReady marks an action attempted outside a valid session state.
	ErrNotReady ErrorType = "not_ready_error"
	// ErrRecovery marks a partial failure of the post-reconnect recovery sequence.
	ErrRecovery ErrorType = "recovery_error"
	// ErrMalformed marks an inbound data payload that failed structural decode.
	ErrMalformed ErrorType = "malformed_message_error"
	// ErrTransportClosed marks an unrecoverable terminal transport closure.
	ErrTransportClosed ErrorType = "transport_closed_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewJoinError creates a join failure error.
func NewJoinError(message string) *Error {
	return &Error{Type: ErrJoin, Message: message}
}

// NewNotReadyError creates a not-ready error.
func NewNotReadyError(message string) *Error {
	return &Error{Type: ErrNotReady, Message: message}
}

// NewRecoveryError creates a recovery partial-failure error.
func NewRecoveryError(message string) *Error {
	return &Error{Type: ErrRecovery, Message: message}
}

// NewMalformedError creates a malformed message error.
func NewMalformedError(message string) *Error {
	return &Error{Type: ErrMalformed, Message: message}
}

// NewTransportClosedError creates a terminal transport closure error.
func NewTransportClosedError(message string) *Error {
	return &Error{Type: ErrTransportClosed, Message: message}
}

// WithCode attaches a machine-readable code and returns the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsFatal reports whether the error ends the session from the user's point of
// view. Everything else is absorbed locally with best-effort logging.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrJoin, ErrTransportClosed:
		return true
	default:
		return false
	}
}

// TypeOf returns the ErrorType of err if it is (or wraps) a core Error.
func TypeOf(err error) (ErrorType, bool) {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Type, true
	}
	return "", false
}
