package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/helionlab/shotline/internal/compiler"
)

// Device acknowledgment and result status values.
const (
	statusReady    = "ready"
	statusRejected = "rejected"
	statusOK       = "ok"
	statusFault    = "fault"
)

// programMessage is the engine → device payload carrying one device's
// instruction list for a shot.
type programMessage struct {
	ShotID     string `json:"shot_id"`
	SequenceID string `json:"sequence_id"`
	ShotIndex  int    `json:"shot_index"`

	Instructions []compiler.Instruction `json:"instructions"`

	// DeadlineUnixMs is the wall-clock deadline by which the device must
	// report its result.
	DeadlineUnixMs int64 `json:"deadline_unix_ms"`
}

// readyMessage is the device → engine acknowledgment of a received
// program. Status is "ready" or "rejected".
type readyMessage struct {
	ShotID   string `json:"shot_id"`
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// startMessage is the trigger-barrier broadcast released once every device
// is ready.
type startMessage struct {
	ShotID string `json:"shot_id"`
}

// resultMessage is the device → engine shot completion report. Status is
// "ok" or "fault"; Data holds the acquired data keyed by channel.
type resultMessage struct {
	ShotID   string         `json:"shot_id"`
	DeviceID string         `json:"device_id"`
	Status   string         `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func decodeReady(payload []byte) (readyMessage, error) {
	var msg readyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return readyMessage{}, fmt.Errorf("decoding ready message: %w", err)
	}
	return msg, nil
}

func decodeResult(payload []byte) (resultMessage, error) {
	var msg resultMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return resultMessage{}, fmt.Errorf("decoding result message: %w", err)
	}
	return msg, nil
}
