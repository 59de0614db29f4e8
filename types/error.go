package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Orchestration error codes
const (
	ErrInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	ErrNotFound              ErrorCode = "NOT_FOUND"
	ErrPublishFailure        ErrorCode = "PUBLISH_FAILURE"
	ErrEscalationFailure     ErrorCode = "ESCALATION_FAILURE"
	ErrDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
	ErrAtCapacity            ErrorCode = "AT_CAPACITY"
	ErrApprovalTimeout       ErrorCode = "APPROVAL_TIMEOUT"
	ErrApprovalCancelled     ErrorCode = "APPROVAL_CANCELLED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
