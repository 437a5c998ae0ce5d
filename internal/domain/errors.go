package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared across the session engine. Callers match them with errors.Is.
var (
	// ErrSessionNotFound is returned when an explicit session id has no matching Active record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionInactive is returned when an operation targets an Ended or Expired session.
	ErrSessionInactive = errors.New("session inactive")
	// ErrClassifierUnavailable marks a failed or timed-out model call.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrStorageUnavailable marks a failed persistence call.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrValidation marks a malformed field update or request.
	ErrValidation = errors.New("validation error")
	// ErrVersionConflict is returned by conditional writes when the stored record changed underneath.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUserNotFound is returned when a user profile does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when creating a user profile whose id is taken.
	ErrUserExists = errors.New("user already exists")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// Is reports ValidationError as ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
