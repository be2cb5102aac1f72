// Package apperror provides structured error handling for the capability
// layer. All errors this library produces on its own behalf use AppError;
// failures coming from the driver are wrapped, never replaced.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes produced by this library.
const (
	// Infrastructure errors
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Unsupported reports a capability the underlying client does not have
	// (e.g. transactions on a plain querier).
	CodeUnsupported = "UNSUPPORTED_OPERATION"

	// Not found (target of an update/delete does not exist)
	CodeNotFound = "NOT_FOUND"

	// Conflict (write conflict surfaced after retries were exhausted,
	// or a handle decided twice)
	CodeConflict = "CONFLICT"
)

// AppError is the standard error type for the library.
// It implements the error interface and carries a machine-readable code
// plus optional structured details.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (table, id, etc.)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewUnsupported creates an unsupported-operation error.
func NewUnsupported(operation string) *AppError {
	return &AppError{
		Code:    CodeUnsupported,
		Message: fmt.Sprintf("underlying client does not support %s", operation),
		Details: map[string]any{"operation": operation},
	}
}

// NewNotFound creates a not found error for a table row.
func NewNotFound(table string, target any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s record not found", table),
		Details: map[string]any{"table": table, "target": target},
	}
}

// NewDatabase wraps a driver-level failure.
func NewDatabase(message string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: message,
		Err:     err,
	}
}

// NewConflict creates a conflict error.
func NewConflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
	}
}

// NewInternal creates an internal error (programming error, broken invariant).
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsUnsupported checks if error is CodeUnsupported
func IsUnsupported(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeUnsupported
	}
	return false
}
