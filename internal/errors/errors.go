// Package errors provides the tagged error type used across Tidemark.
// Every error carries a kind, a code, a message and a retryable flag so that
// callers dispatch on the kind rather than on message text.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how a caller is expected to react to it.
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindEngineUnavailable    Kind = "ENGINE_UNAVAILABLE"
	KindUnsupportedOperation Kind = "UNSUPPORTED_OPERATION"
	KindFatalMigration       Kind = "FATAL_MIGRATION_FAILURE"
	KindInvalidArgument      Kind = "INVALID_ARGUMENT"
	KindInternal             Kind = "INTERNAL"
)

// Error codes, grouped by the kind they are normally raised with.
const (
	// Not found codes
	CodeIndexNotFound   = "INDEX_NOT_FOUND"
	CodeRangeNotFound   = "RANGE_NOT_FOUND"
	CodeRangeInvalid    = "RANGE_INVALID"
	CodeAliasNotFound   = "ALIAS_NOT_FOUND"
	CodeArchiveNotFound = "ARCHIVE_NOT_FOUND"

	// Engine codes
	CodeRequestFailed = "REQUEST_FAILED"
	CodeTimeout       = "TIMEOUT"
	CodeScrollExpired = "SCROLL_EXPIRED"

	// Unsupported codes
	CodeReadOnlyStore = "READ_ONLY_STORE"

	// Migration codes
	CodeBulkFailed = "BULK_FAILED"

	// Argument codes
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeInvalidIndexName = "INVALID_INDEX_NAME"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(kind),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(kind),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetKind extracts the error kind from an error chain.
// Returns empty string if the error is not an *Error.
func GetKind(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsKind reports whether any *Error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// Engine failures are the only transient kind; everything else needs a
// different input or an operator.
func isRetryable(kind Kind) bool {
	return kind == KindEngineUnavailable
}

// Convenience constructors for common errors.

func NewNotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func NewEngineUnavailable(code, message string, cause error) *Error {
	return Wrap(KindEngineUnavailable, code, message, cause)
}

func NewUnsupported(message string) *Error {
	return New(KindUnsupportedOperation, CodeReadOnlyStore, message)
}

func NewFatalMigration(message string, cause error) *Error {
	return Wrap(KindFatalMigration, CodeBulkFailed, message, cause)
}

func NewInvalidArgument(code, message string) *Error {
	return New(KindInvalidArgument, code, message)
}

func NewInternal(message string, cause error) *Error {
	return Wrap(KindInternal, CodeUnexpected, message, cause)
}
