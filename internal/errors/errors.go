// Package errors provides error code definitions shared across tillsync.
package errors

import "fmt"

// ErrorCode is a stable identifier attached to application errors.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Queue errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrItemTerminal      ErrorCode = "QUEUE_ITEM_TERMINAL"
	ErrItemClaimed       ErrorCode = "QUEUE_ITEM_CLAIMED"

	// Submission errors
	ErrSubmitTransient ErrorCode = "SUBMIT_TRANSIENT"
	ErrSubmitRejected  ErrorCode = "SUBMIT_REJECTED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrNoSubmitter     ErrorCode = "NO_SUBMITTER"

	// Conflict errors
	ErrConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictClosed   ErrorCode = "CONFLICT_CLOSED"
	ErrNoMatchingRule   ErrorCode = "NO_MATCHING_RULE"

	// Connectivity errors
	ErrProbeFailed ErrorCode = "PROBE_FAILED"
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

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or ErrInternal if it is not an
// AppError.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
