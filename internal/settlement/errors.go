package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input the caller can fix and resubmit
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a transaction id that does not exist
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransition marks a status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPersistence marks a failure of the record store
	ErrPersistence = errors.New("persistence failure")
	// ErrExtraction marks a failure of the receipt text extractor
	ErrExtraction = errors.New("extraction failed")
)

// ValidationError names the field that was missing or malformed
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// persistence wraps store errors that are not already a domain outcome
func persistence(op string, err error) error {
	if isClientError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// isClientError reports whether err is the caller's to fix rather than ours
func isClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition)
}
