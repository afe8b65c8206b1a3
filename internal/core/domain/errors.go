package domain

import "errors"

var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidType     = errors.New("invalid penalty type")
	ErrNotFound        = errors.New("penalty not found")
	ErrNotActive       = errors.New("penalty is not active")

	// ErrSyncFailure marks a transient push failure. The record stays pending
	// and is retried on the next sync pass.
	ErrSyncFailure = errors.New("sync failure")

	// ErrConnectionUnavailable is returned when the document store cannot be
	// reached. Callers fall back to offline mode.
	ErrConnectionUnavailable = errors.New("connection unavailable")
)

// ValidationError carries the field that failed and always matches
// ErrValidation plus the more specific cause via errors.Is.
type ValidationError struct {
	Field string
	Cause error
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Field + ": " + e.Cause.Error()
	}
	return e.Field + ": " + e.Msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func invalid(field string, cause error, msg string) error {
	return &ValidationError{Field: field, Cause: cause, Msg: msg}
}
