package dispatch

import (
	"errors"
	"fmt"
)

// Domain errors for the dispatch package.
var (
	// ErrNotConnected is returned when the broker connection is down at
	// dispatch time.
	ErrNotConnected = errors.New("dispatch: broker not connected")

	// ErrTimeout is returned when a device misses the ready or result
	// deadline.
	ErrTimeout = errors.New("dispatch: shot timed out")

	// ErrProgramRejected is returned when a device rejects its instruction
	// list. Compiled programs must never be rejected, so this marks a
	// compilation defect rather than a runtime condition.
	ErrProgramRejected = errors.New("dispatch: program rejected by device")

	// ErrDeviceFault is returned when a device reports a hardware fault
	// during the shot.
	ErrDeviceFault = errors.New("dispatch: device reported fault")

	// ErrNoDevices is returned for a program that targets no devices.
	ErrNoDevices = errors.New("dispatch: program targets no devices")
)

// Kind classifies a dispatch failure for the retry policy.
type Kind int

const (
	// KindRetryable covers timeouts and transient transport failures: the
	// same shot may be attempted again after the session is rebuilt.
	KindRetryable Kind = iota

	// KindFatal covers hardware faults, protocol violations and program
	// rejections: retrying the same shot cannot succeed.
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "retryable"
}

// Error is a classified dispatch failure carrying the device it
// originated from (empty for shot-wide failures such as a barrier
// timeout).
type Error struct {
	Kind     Kind
	DeviceID string
	Err      error
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s failure on device %q: %v", e.Kind, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a dispatch failure the retry policy
// may attempt again.
func IsRetryable(err error) bool {
	var dispatchErr *Error
	return errors.As(err, &dispatchErr) && dispatchErr.Kind == KindRetryable
}

// IsFatal reports whether err is a dispatch failure that must not be
// retried.
func IsFatal(err error) bool {
	var dispatchErr *Error
	return errors.As(err, &dispatchErr) && dispatchErr.Kind == KindFatal
}

func retryableError(deviceID string, err error) *Error {
	return &Error{Kind: KindRetryable, DeviceID: deviceID, Err: err}
}

func fatalError(deviceID string, err error) *Error {
	return &Error{Kind: KindFatal, DeviceID: deviceID, Err: err}
}
