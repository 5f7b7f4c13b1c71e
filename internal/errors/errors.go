package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed requests and unknown references.
	ErrValidation = errors.New("validation failed")

	// ErrUnreachable marks a dependency that could not be contacted.
	ErrUnreachable = errors.New("dependency unreachable")
)

// ValidationError describes a rejected input. It is never fatal to the
// service; the request is rejected or the item skipped.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("validation failed: %s: %s: %v", e.Field, e.Msg, e.Err)
	case e.Field != "":
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("validation failed: %s: %v", e.Msg, e.Err)
	}
	return "validation failed: " + e.Msg
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnreachableDependencyError is returned when a required service cannot be
// contacted. Callers treat it as fatal and do not retry.
type UnreachableDependencyError struct {
	Service string
	URL     string
	Err     error
}

// Error returns the error message.
func (e *UnreachableDependencyError) Error() string {
	return fmt.Sprintf("%s unreachable at %s: %v", e.Service, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *UnreachableDependencyError) Unwrap() error {
	return e.Err
}

// Is matches ErrUnreachable.
func (e *UnreachableDependencyError) Is(target error) bool {
	return target == ErrUnreachable
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUnreachable reports whether err is an unreachable dependency.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
