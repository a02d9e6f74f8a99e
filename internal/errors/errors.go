// Package errors provides error code definitions for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrCorruption ErrorCode = "STORAGE_CORRUPTION"

	// Remote/sync errors
	ErrSyncTimeout     ErrorCode = "SYNC_TIMEOUT"
	ErrSyncRateLimited ErrorCode = "SYNC_RATE_LIMITED"
	ErrSyncOffline     ErrorCode = "SYNC_OFFLINE"
	ErrSyncConflict    ErrorCode = "SYNC_CONFLICT"
	ErrSyncRejected    ErrorCode = "SYNC_REJECTED"
	ErrSyncPermission  ErrorCode = "SYNC_PERMISSION_DENIED"
	ErrSyncGone        ErrorCode = "SYNC_TARGET_GONE"
	ErrSyncDegraded    ErrorCode = "SYNC_DEGRADED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or ErrInternal if none is attached.
func CodeOf(err error) ErrorCode {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried with backoff:
// timeouts, rate limits and connectivity loss.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrSyncTimeout, ErrSyncRateLimited, ErrSyncOffline:
		return true
	}
	return false
}

// IsConflict reports whether err is a version conflict. Conflicts are not
// failures; the engine routes them to the resolver.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrSyncConflict
}

// IsPermanent reports whether err must never be retried automatically:
// validation rejections, permission denials and upstream deletions.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case ErrSyncRejected, ErrSyncPermission, ErrSyncGone, ErrValidation:
		return true
	}
	return false
}
