// Package dispatch delivers compiled shot programs to device-control
// processes over MQTT and collects their results.
//
// One dispatch covers one shot: the per-device instruction lists are
// transmitted, every device must acknowledge readiness before a single
// start broadcast releases the trigger barrier, and the shot completes when
// every device has reported its result. Acquired data from all devices is
// merged into one result keyed by channel.
//
// Failures are classified: timeouts and transport loss are retryable (the
// device sessions are reset so the next attempt starts clean), while
// device-reported hardware faults and program rejections are fatal. A
// rejection additionally wraps ErrProgramRejected, since a correctly
// compiled program must never be rejected and the defect belongs upstream.
//
// # Thread Safety
//
// A Client is safe for concurrent use, but dispatches are serialized by the
// caller: the scheduler never overlaps two shots on one apparatus.
package dispatch
