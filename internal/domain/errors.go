package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing caller input. No state changes.
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("delivery not found")

	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("delivery is not pending")

	ErrForbidden = errors.New("role is not allowed to perform this operation")

	ErrDuplicateID = errors.New("delivery id already exists")

	// ErrStoreUnavailable wraps unexpected failures of the delivery store.
	ErrStoreUnavailable = errors.New("delivery store unavailable")
)

// InvalidStateError is returned when a transition is attempted on a delivery
// that already left pending.
type InvalidStateError struct {
	ID      string
	Current DeliveryStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("delivery %s is not pending (current status %s)", e.ID, e.Current)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
