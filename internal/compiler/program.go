package compiler

import (
	"encoding/json"
	"time"

	"github.com/helionlab/shotline/internal/sequence"
)

// Instruction is one resolved timed action on a channel. Offsets are
// nanoseconds from the shot's start trigger.
type Instruction struct {
	Channel    string `json:"channel"`
	Action     string `json:"action"`
	StartNs    int64  `json:"start_ns"`
	DurationNs int64  `json:"duration_ns"`

	// Values holds the resolved setpoint: one element for a scalar, more
	// for a waveform. Empty when the action takes no value.
	Values []float64 `json:"values,omitempty"`
}

// DeviceProgram is the instruction list for one device-control process.
type DeviceProgram struct {
	DeviceID     string        `json:"device_id"`
	Instructions []Instruction `json:"instructions"`
}

// Program is a fully resolved shot: every expression evaluated against the
// binding, every timing absolute, instructions grouped per target device.
// Programs are immutable once compiled.
type Program struct {
	SequenceID string           `json:"sequence_id"`
	ShotIndex  int              `json:"shot_index"`
	Binding    sequence.Binding `json:"binding"`

	// DurationNs is the resolved shot duration.
	DurationNs int64 `json:"duration_ns"`

	// Devices is sorted by device ID; each device's instructions are
	// sorted by start offset then channel. The ordering makes Encode
	// deterministic.
	Devices []DeviceProgram `json:"devices"`
}

// Encode serialises the program to its canonical wire form. Identical
// programs always encode to identical bytes: struct field order is fixed,
// device and instruction slices are sorted, and map keys are emitted in
// sorted order by encoding/json.
func (p *Program) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Duration returns the resolved shot duration.
func (p *Program) Duration() time.Duration {
	return time.Duration(p.DurationNs)
}

// DeviceIDs returns the IDs of every device the program targets, in order.
func (p *Program) DeviceIDs() []string {
	ids := make([]string, len(p.Devices))
	for i, device := range p.Devices {
		ids[i] = device.DeviceID
	}
	return ids
}
