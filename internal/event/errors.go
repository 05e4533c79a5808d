package event

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a rule, delivery, or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller lacks the role an endpoint demands.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes malformed input: an unknown event type, a missing
// required field, or an out-of-range value. Handlers surface it as HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError wraps a backing-store failure. Handlers surface it as HTTP 500;
// it is always logged, never silently swallowed on the ingestion path.
type StorageError struct {
	Op  string // storage operation that failed, e.g. "save event"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for the named operation.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// TransientDeliveryError records a failed webhook attempt: a non-2xx response,
// a timeout, or a transport error. It never reaches API callers; the
// dispatcher uses it to drive backoff and dead-lettering.
type TransientDeliveryError struct {
	Status int   // HTTP status, 0 on transport error
	Err    error // underlying transport error, nil on non-2xx
}

func (e *TransientDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery: %v", e.Err)
	}
	return fmt.Sprintf("delivery: unexpected status %d", e.Status)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }
