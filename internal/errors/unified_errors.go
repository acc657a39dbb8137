// Package errors provides the unified error type used across the outliner backend.
// Every layer classifies failures into one of a small set of error types so that
// callers can decide between synchronous rejection, rollback, or retry.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType is the category of a failure.
type ErrorType string

const (
	// Caller errors. The engine rejects these before touching any state.
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"

	// Environment errors. Local state is rolled back.
	ErrorTypePersistence ErrorType = "PERSISTENCE"
	ErrorTypeConnection  ErrorType = "CONNECTION"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeInternal    ErrorType = "INTERNAL"
)

// retryable is the default retry hint per type. Builders may override it.
var retryable = map[ErrorType]bool{
	ErrorTypeConflict:    true,
	ErrorTypePersistence: true,
	ErrorTypeConnection:  true,
	ErrorTypeTimeout:     true,
}

// UnifiedError is the single error type returned by the engine and its collaborators.
type UnifiedError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	// Operation and Resource identify what failed, e.g. "indentNode" on node "n-42".
	Operation string `json:"operation,omitempty"`
	Resource  string `json:"resource,omitempty"`

	Retryable bool  `json:"retryable"`
	Cause     error `json:"-"`
}

// Error renders "[TYPE:CODE] message (op=X id=Y): details".
func (e *UnifiedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Type, e.Code, e.Message)

	var ctx []string
	if e.Operation != "" {
		ctx = append(ctx, "op="+e.Operation)
	}
	if e.Resource != "" {
		ctx = append(ctx, "id="+e.Resource)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, " "))
	}

	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

func (e *UnifiedError) Unwrap() error {
	return e.Cause
}

// Is matches two unified errors by type and code, so sentinel values work with errors.Is.
func (e *UnifiedError) Is(target error) bool {
	t, ok := target.(*UnifiedError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// ErrorBuilder assembles a UnifiedError.
type ErrorBuilder struct {
	err UnifiedError
}

// NewError starts a builder. The retry hint defaults from errType.
func NewError(errType ErrorType, code, message string) *ErrorBuilder {
	return &ErrorBuilder{err: UnifiedError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Retryable: retryable[errType],
	}}
}

func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.err.Details = details
	return b
}

func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.err.Operation = operation
	return b
}

// WithResource sets the ID of the node (or endpoint) the operation targeted.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.err.Resource = resource
	return b
}

func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.err.Retryable = retryable
	return b
}

// WithCause records the underlying error. Its text becomes the details unless
// details were already set.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.err.Cause = cause
	if cause != nil && b.err.Details == "" {
		b.err.Details = cause.Error()
	}
	return b
}

// Build returns a new UnifiedError; the builder can be reused.
func (b *ErrorBuilder) Build() *UnifiedError {
	e := b.err
	return &e
}

func Validation(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message)
}

func NotFound(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message)
}

func Conflict(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConflict, code, message)
}

func Persistence(code, message string) *ErrorBuilder {
	return NewError(ErrorTypePersistence, code, message)
}

func Connection(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeConnection, code, message)
}

func Timeout(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message)
}

func Internal(code, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message)
}

// IsType reports whether err is a UnifiedError of errType.
func IsType(err error, errType ErrorType) bool {
	var ue *UnifiedError
	return errors.As(err, &ue) && ue.Type == errType
}

func IsValidation(err error) bool  { return IsType(err, ErrorTypeValidation) }
func IsNotFound(err error) bool    { return IsType(err, ErrorTypeNotFound) }
func IsConflict(err error) bool    { return IsType(err, ErrorTypeConflict) }
func IsPersistence(err error) bool { return IsType(err, ErrorTypePersistence) }

// IsRetryable reports the retry hint of err. Foreign errors count as
// retryable environment failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return true
}

// TypeOf returns the error type, or INTERNAL for foreign errors.
func TypeOf(err error) ErrorType {
	var ue *UnifiedError
	if errors.As(err, &ue) {
		return ue.Type
	}
	return ErrorTypeInternal
}

// Wrap attaches operation context to err. Unified errors keep their
// classification; foreign errors become retryable persistence errors.
func Wrap(err error, operation, resource string) *UnifiedError {
	if err == nil {
		return nil
	}

	var existing *UnifiedError
	if errors.As(err, &existing) {
		wrapped := *existing
		wrapped.Operation = operation
		if resource != "" {
			wrapped.Resource = resource
		}
		wrapped.Cause = err
		return &wrapped
	}

	return Persistence(CodeBackendFailure.String(), "backend call failed").
		WithOperation(operation).
		WithResource(resource).
		WithCause(err).
		Build()
}
