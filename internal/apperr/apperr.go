// Package apperr defines the error-kind sentinels shared by every
// control-plane subsystem so the HTTP layer can map them to status
// codes with a single errors.Is switch.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap with fmt.Errorf("%w: ...") or the helpers
// below; callers branch on these with errors.Is, never on message text.
var (
	// ErrValidation indicates a bad request shape or referential error.
	ErrValidation = errors.New("validation error")
	// ErrConflict indicates a state-machine violation.
	ErrConflict = errors.New("conflict")
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates an approval/quota/policy denial.
	ErrForbidden = errors.New("forbidden")
	// ErrTransient indicates a retryable store/connectivity failure.
	ErrTransient = errors.New("transient error")
	// ErrInternal indicates a bug; never expected to surface to a well-behaved caller.
	ErrInternal = errors.New("internal error")
)

// Validation wraps ErrValidation, naming the offending field.
func Validation(field, msg string) error {
	return fmt.Errorf("%s: %s: %w", field, msg, ErrValidation)
}

// Conflict wraps ErrConflict with a descriptive message.
func Conflict(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConflict)
}

// NotFound wraps ErrNotFound, naming the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Forbidden wraps ErrForbidden with a machine-readable reason.
func Forbidden(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrForbidden)
}

// Transient wraps ErrTransient with the underlying cause.
func Transient(cause error) error {
	return fmt.Errorf("%w: %v", ErrTransient, cause)
}

// Internal wraps ErrInternal with the underlying cause.
func Internal(cause error) error {
	return fmt.Errorf("%w: %v", ErrInternal, cause)
}

// IsTransient reports whether err should be retried locally.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsConflict reports whether err is a state-machine violation.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err is a bad-request-shape error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsForbidden reports whether err is a policy/approval/quota denial.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }
