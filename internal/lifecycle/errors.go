package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or out-of-range request fields.
	ErrValidation = errors.New("validation failed")
	// ErrPolicy marks requests that are well formed but not allowed in the
	// task's current state.
	ErrPolicy = errors.New("policy violation")
)

// ValidationError names the offending request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PolicyError names the transition that was refused.
type PolicyError struct {
	Op      string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *PolicyError) Unwrap() error { return ErrPolicy }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func refused(op, format string, args ...any) error {
	return &PolicyError{Op: op, Message: fmt.Sprintf(format, args...)}
}
