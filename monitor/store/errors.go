package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an addressed alarm does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateFingerprint is returned when an open alarm already carries the fingerprint.
	ErrDuplicateFingerprint = errors.New("duplicate alarm fingerprint")
	// ErrInvalidTransition is returned when a lifecycle precondition does not hold.
	ErrInvalidTransition = errors.New("invalid alarm transition")
	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// TransitionError carries the detail of a rejected lifecycle move.
type TransitionError struct {
	AlarmID string
	From    AlarmStatus
	To      AlarmStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("alarm %s: cannot move from %s to %s", e.AlarmID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
