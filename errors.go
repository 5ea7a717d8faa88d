package sagabus

import (
	"context"
	"errors"
	"fmt"

	"github.com/overtonx/sagabus/storage"
)

var (
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = storage.ErrNotFound
	// ErrConflict is returned when an entity is not in a state that allows the
	// requested transition, or another worker moved it first.
	ErrConflict = storage.ErrConflict
	// ErrAlreadyExists is returned on duplicate ids.
	ErrAlreadyExists = storage.ErrAlreadyExists
	// ErrInvalidArgument is returned when input validation fails.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvariantViolation marks corrupted sequencing data. Processing of the
	// entity halts; it is never retried automatically.
	ErrInvariantViolation = errors.New("invariant violation")
)

// PermanentError wraps a failure reported by a collaborator as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsTransient reports whether err is a retryable invocation failure.
// Deadline and cancellation errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return !IsPermanent(err) && !errors.Is(err, ErrInvariantViolation)
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func invariantViolation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
