package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Upstream error codes
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrAuthentication  ErrorCode = "AUTHENTICATION"
	ErrAuthorization   ErrorCode = "AUTHORIZATION"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrServerError     ErrorCode = "SERVER_ERROR"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrMalformedStream ErrorCode = "MALFORMED_STREAM"
)

// Orchestration error codes
const (
	ErrBlocked            ErrorCode = "BLOCKED"
	ErrCooldown           ErrorCode = "COOLDOWN"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrInsufficientCredit ErrorCode = "INSUFFICIENT_CREDIT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrNotFound           ErrorCode = "NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`

	// RetryAfter 是上游建议的最短重试间隔（来自 Retry-After 头），0 表示未提供。
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Provider != "" {
		prefix = e.Provider + "/" + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
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

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryAfter records the upstream's suggested retry interval.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// AsError 在错误链中查找 *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
