package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies session errors by how they must be handled:
// device errors are retryable by explicit user action, transport errors are
// recovered below the state machine, negotiation errors are logged and
// ignored, link errors demote to a partner-left transition, and authorization
// errors are fatal for the session.
type ErrorCode string

const (
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeTransportDown     ErrorCode = "TRANSPORT_DOWN"
	ErrCodeNegotiationFailed ErrorCode = "NEGOTIATION_REJECTED"
	ErrCodeLinkLost          ErrorCode = "LINK_LOST"
	ErrCodeForceLogout       ErrorCode = "FORCE_LOGOUT"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Retryable  bool
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// NewDeviceUnavailableError reports that no capture constraint rung
// succeeded. Retryable by explicit user action only, never auto-retried.
func NewDeviceUnavailableError(cause error) *AppError {
	e := WrapError(cause, ErrCodeDeviceUnavailable, "media device unavailable", http.StatusServiceUnavailable)
	e.Retryable = true
	return e
}

// NewTransportDownError reports a signaling channel outage. Recovery happens
// transparently below the state machine.
func NewTransportDownError(cause error) *AppError {
	e := WrapError(cause, ErrCodeTransportDown, "signaling channel down", http.StatusBadGateway)
	e.Retryable = true
	return e
}

// NewNegotiationError reports a malformed or late signaling payload.
func NewNegotiationError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiationFailed, message, http.StatusBadRequest)
}

// NewLinkLostError reports a peer link whose restart budget is exhausted.
// Callers demote it to a normal partner-left transition.
func NewLinkLostError(cause error) *AppError {
	e := WrapError(cause, ErrCodeLinkLost, "peer link unrecoverable", http.StatusBadGateway)
	e.Retryable = true
	return e
}

// NewForceLogoutError reports a server-directed logout. Fatal for the
// session; re-authentication happens externally.
func NewForceLogoutError() *AppError {
	return NewAppError(ErrCodeForceLogout, "server forced logout", http.StatusUnauthorized)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}

	return nil
}
