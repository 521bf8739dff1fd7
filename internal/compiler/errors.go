package compiler

import (
	"errors"
	"fmt"
)

// Domain errors for the compiler package.
//
// Every compilation failure is reported as a *CompilationError wrapping one
// of these sentinels (or an expression evaluation error), so callers can
// classify with errors.Is and still recover the lane context with errors.As.
var (
	// ErrUnknownChannel is returned when a lane references a channel no
	// configured device owns.
	ErrUnknownChannel = errors.New("compiler: unknown channel")

	// ErrOverlap is returned when two entries on the same channel occupy
	// overlapping time intervals.
	ErrOverlap = errors.New("compiler: lane entries overlap")

	// ErrExceedsDuration is returned when an entry extends past the shot
	// duration.
	ErrExceedsDuration = errors.New("compiler: entry exceeds shot duration")

	// ErrInvalidTiming is returned for a negative start offset, a negative
	// entry duration, or a non-positive shot duration.
	ErrInvalidTiming = errors.New("compiler: invalid timing")
)

// CompilationError describes a failed compilation: the lane channel and
// entry index it occurred at, the violated constraint, and the underlying
// cause.
//
// EntryIndex is -1 when the failure is not specific to a single entry
// (e.g. an unknown channel or a bad shot duration expression).
type CompilationError struct {
	Channel    string
	EntryIndex int
	Constraint string
	Err        error
}

func (e *CompilationError) Error() string {
	switch {
	case e.Channel == "":
		return fmt.Sprintf("compiling shot: %s: %v", e.Constraint, e.Err)
	case e.EntryIndex < 0:
		return fmt.Sprintf("compiling lane %q: %s: %v", e.Channel, e.Constraint, e.Err)
	default:
		return fmt.Sprintf("compiling lane %q entry %d: %s: %v",
			e.Channel, e.EntryIndex, e.Constraint, e.Err)
	}
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

func compileError(channel string, entryIndex int, constraint string, err error) *CompilationError {
	return &CompilationError{
		Channel:    channel,
		EntryIndex: entryIndex,
		Constraint: constraint,
		Err:        err,
	}
}
