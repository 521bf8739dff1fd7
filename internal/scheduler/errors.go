package scheduler

import (
	"errors"
	"fmt"
)

// Domain errors for the scheduler package.
var (
	// ErrNotRunning is returned by controls that require an active
	// sequence when the scheduler is idle.
	ErrNotRunning = errors.New("scheduler: no sequence active")

	// ErrNotPaused is returned by Resume when the sequence is not paused.
	ErrNotPaused = errors.New("scheduler: sequence is not paused")

	// ErrClosed is returned after the scheduler has been shut down.
	ErrClosed = errors.New("scheduler: closed")
)

// AlreadyRunningError is returned by Start when another sequence already
// holds the apparatus.
type AlreadyRunningError struct {
	// SequenceID identifies the sequence currently holding the apparatus.
	SequenceID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("scheduler: sequence %s already holds the apparatus", e.SequenceID)
}

// IsAlreadyRunning reports whether err is an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var target *AlreadyRunningError
	return errors.As(err, &target)
}
