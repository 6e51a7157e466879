package repository

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint or a
// guard on related records.
var ErrConflict = errors.New("conflict")

// ErrDuplicateRegistration is returned when a citizen already holds a
// non-cancelled registration for the event.
var ErrDuplicateRegistration = fmt.Errorf("%w: registration exists for event and citizen", ErrConflict)

// ErrDuplicateToken is returned when a redemption token is already in use.
var ErrDuplicateToken = fmt.Errorf("%w: redemption token already issued", ErrConflict)

// ErrSlotUnavailable is returned by ReserveSlot when the event is not OPEN,
// has no remaining slots, or does not exist.
var ErrSlotUnavailable = errors.New("no slot available")

// ErrInvalidState is returned when a conditional status transition finds the
// record in a different state.
var ErrInvalidState = errors.New("invalid state")
