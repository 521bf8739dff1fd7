package sequence

import "errors"

// Domain errors for the sequence package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, sequence.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a sequence ID does not exist.
	ErrNotFound = errors.New("sequence: not found")

	// ErrExists is returned when creating a sequence with an ID that already exists.
	ErrExists = errors.New("sequence: already exists")

	// ErrInvalid is returned when sequence validation fails.
	ErrInvalid = errors.New("sequence: invalid")

	// ErrInvalidLane is returned when a time lane fails validation.
	ErrInvalidLane = errors.New("sequence: invalid lane")

	// ErrInvalidStep is returned when a sweep step fails validation.
	ErrInvalidStep = errors.New("sequence: invalid step")

	// ErrReservedName is returned when a step assigns a variable that would
	// shadow an injected expression constant.
	ErrReservedName = errors.New("sequence: reserved variable name")

	// ErrShotNotFound is returned when a shot record does not exist.
	ErrShotNotFound = errors.New("sequence: shot not found")

	// ErrIteratorClosed is returned by Next after the iterator is closed.
	ErrIteratorClosed = errors.New("sequence: iterator closed")
)
