// Package errors provides structured error types for the geo inventory.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure domain.
type ErrorCategory string

const (
	ErrCategoryFormat        ErrorCategory = "FORMAT"
	ErrCategoryIO            ErrorCategory = "IO"
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryQuery         ErrorCategory = "QUERY"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Format codes
	CodeBadMagic      = "BAD_MAGIC"
	CodeCorruptStream = "CORRUPT_STREAM"

	// IO codes
	CodeReadFailed     = "READ_FAILED"
	CodeWriteFailed    = "WRITE_FAILED"
	CodeRenameFailed   = "RENAME_FAILED"
	CodeArchiveFailed  = "ARCHIVE_FAILED"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Configuration codes
	CodeIndexNotFound = "INDEX_NOT_FOUND"
	CodeInvalidConfig = "INVALID_CONFIG"

	// Validation codes
	CodeInvalidRecord     = "INVALID_RECORD"
	CodeInvalidConstraint = "INVALID_CONSTRAINT"
	CodeInvalidPolygon    = "INVALID_POLYGON"

	// Query codes
	CodeExactCheckFailed = "EXACT_CHECK_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// InventoryError is the structured error type used throughout the system.
type InventoryError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *InventoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *InventoryError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *InventoryError) Is(target error) bool {
	var t *InventoryError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new InventoryError.
func New(category ErrorCategory, code, message string) *InventoryError {
	return &InventoryError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new InventoryError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *InventoryError {
	return &InventoryError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *InventoryError) WithDetails(details map[string]interface{}) *InventoryError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ie *InventoryError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an InventoryError.
func GetCategory(err error) ErrorCategory {
	var ie *InventoryError
	if errors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an InventoryError.
func GetCode(err error) string {
	var ie *InventoryError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryIO && code == CodeUploadFailed:
		return true
	case category == ErrCategoryIO && code == CodeReadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewFormatError(code, message string, cause error) *InventoryError {
	return Wrap(ErrCategoryFormat, code, message, cause)
}

func NewIOError(code, message string, cause error) *InventoryError {
	return Wrap(ErrCategoryIO, code, message, cause)
}

func NewConfigurationError(code, message string) *InventoryError {
	return New(ErrCategoryConfiguration, code, message)
}

func NewValidationError(code, message string) *InventoryError {
	return New(ErrCategoryValidation, code, message)
}

func NewQueryError(code, message string, cause error) *InventoryError {
	return Wrap(ErrCategoryQuery, code, message, cause)
}

func NewInternalError(message string, cause error) *InventoryError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
