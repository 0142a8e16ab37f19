// Package types provides shared types, error kinds, and API shapes.
package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Context pool errors
	ErrPoolClosed    = errors.New("context pool is closed")
	ErrLaunchFailed  = errors.New("browser context launch failed")
	ErrContextClosed = errors.New("browser context has been closed")

	// Session and tab errors
	ErrTabNotFound     = errors.New("Tab not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("maximum number of sessions reached")

	// Request errors
	ErrUserIDRequired = errors.New("userId is required")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrURLRequired    = errors.New("url is required")

	// Concurrency errors
	ErrUserBusy        = errors.New("too many concurrent operations for user")
	ErrTabLockTimeout  = errors.New("timed out waiting for tab lock")
	ErrOperationFailed = errors.New("operation failed")

	// Download errors
	ErrDownloadNotFound    = errors.New("download not found")
	ErrDownloadNotComplete = errors.New("download is not completed")
	ErrDownloadTooLarge    = errors.New("download exceeds size limit")

	// Evaluate errors
	ErrExpressionTooLarge = errors.New("expression exceeds maximum size")
)

// Kind classifies an error for HTTP status mapping at the boundary.
type Kind int

// Error kinds, mapped to HTTP statuses by StatusCode.
const (
	KindEngine Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindConflict
	KindRateLimited
	KindTimeout
	KindBusy
)

// CoreError is the error type surfaced by core components.
// Handlers inspect Kind to pick a status; the message is what clients see.
type CoreError struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for KindRateLimited and KindBusy
	Err        error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error kind to an HTTP status code.
func (e *CoreError) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited, KindBusy:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewValidationError creates a 400-class error.
func NewValidationError(msg string) *CoreError {
	return &CoreError{Kind: KindValidation, Message: msg}
}

// NewAuthError creates a 403-class error.
func NewAuthError(msg string) *CoreError {
	return &CoreError{Kind: KindAuth, Message: msg}
}

// NewNotFoundError creates a 404-class error.
func NewNotFoundError(msg string) *CoreError {
	return &CoreError{Kind: KindNotFound, Message: msg}
}

// NewConflictError creates a 409-class error.
func NewConflictError(msg string) *CoreError {
	return &CoreError{Kind: KindConflict, Message: msg}
}

// NewRateLimitedError creates a 429-class error with a retry hint.
func NewRateLimitedError(retryAfter time.Duration) *CoreError {
	return &CoreError{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded, retry in %dms", retryAfter.Milliseconds()),
		RetryAfter: retryAfter,
	}
}

// NewTimeoutError creates a timeout error for the given operation label.
func NewTimeoutError(label string, timeout time.Duration) *CoreError {
	return &CoreError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out after %s", label, timeout),
	}
}

// NewBusyError creates a retryable error for user queue overflow.
func NewBusyError(userID string) *CoreError {
	return &CoreError{
		Kind:       KindBusy,
		Message:    "Too many concurrent operations for user " + userID + ", retry later",
		RetryAfter: 5 * time.Second,
		Err:        ErrUserBusy,
	}
}

// NewEngineError wraps an unexpected browser error.
func NewEngineError(msg string, err error) *CoreError {
	return &CoreError{Kind: KindEngine, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindEngine.
func KindOf(err error) Kind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindEngine
}
