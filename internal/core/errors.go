package core

import (
	"errors"
	"fmt"
)

// Domain errors for the core package.
var (
	// ErrNotFound is returned when reading or deleting an absent entity.
	ErrNotFound = errors.New("entity: not found")

	// ErrValidation is the parent of every malformed-write error.
	ErrValidation = errors.New("entity: validation failed")

	// ErrInvalidEntityID is returned for ids that are not "domain.object_id".
	ErrInvalidEntityID = fmt.Errorf("%w: invalid entity id", ErrValidation)

	// ErrInvalidState is returned when the state string is too long.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrValidation)

	// ErrInvalidAttributes is returned when attributes cannot be serialised.
	ErrInvalidAttributes = fmt.Errorf("%w: invalid attributes", ErrValidation)

	// ErrInvalidEventType is returned when firing an event without a type.
	ErrInvalidEventType = fmt.Errorf("%w: invalid event type", ErrValidation)

	// ErrBusClosed is returned when registering a sink on a closed bus.
	ErrBusClosed = errors.New("bus: closed")
)
