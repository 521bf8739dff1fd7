package sequence

import (
	"time"

	"github.com/google/uuid"
)

// State represents the execution lifecycle of a sequence.
//
// Transitions: Preparing → Running → {Paused ↔ Running} → {Finished, Crashed};
// Running → Aborting → {Finished, Crashed}. Draft is the state of a sequence
// that has been registered but never started.
type State string

const (
	StateDraft     State = "draft"
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateAborting  State = "aborting"
	StateCrashed   State = "crashed"
	StateFinished  State = "finished"
)

// IsTerminal reports whether the state is an end state.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateCrashed
}

// IsActive reports whether a sequence in this state holds the apparatus.
func (s State) IsActive() bool {
	switch s {
	case StatePreparing, StateRunning, StatePaused, StateAborting:
		return true
	default:
		return false
	}
}

// Sequence is a declarative experiment description: a sweep specification
// (Steps) over named parameters plus a set of time lanes, executed
// shot-by-shot. The definition is immutable once the sequence starts.
type Sequence struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Duration is an expression for the common shot duration in seconds.
	// It may reference swept parameters and is evaluated per shot.
	Duration string `json:"duration"`

	// Lanes holds the per-channel timed actions for one shot.
	Lanes []TimeLane `json:"lanes"`

	// Steps is the sweep specification walked by the Iterator.
	Steps []Step `json:"steps"`

	State State   `json:"state"`
	Error *string `json:"error,omitempty"`

	// Progress accounting, maintained by the repository.
	ExpectedShots  int `json:"expected_shots"`
	CompletedShots int `json:"completed_shots"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TimeLane is an ordered list of timed actions scoped to one device channel.
//
// Invariant (enforced at admission and again at compile time): entries are
// sorted by start offset, do not overlap, and every entry fits within the
// sequence's shot duration.
type TimeLane struct {
	// Channel names the device channel this lane drives.
	Channel string `json:"channel"`

	Entries []LaneEntry `json:"entries"`
}

// LaneEntry is a single timed action within a lane. Start, Duration and
// Value are expressions evaluated against the shot's parameter binding;
// Start and Duration must evaluate to scalar seconds.
type LaneEntry struct {
	Start    string `json:"start"`
	Duration string `json:"duration"`

	// Action is the device operation to perform (e.g. "set", "ramp",
	// "acquire"). Interpreted by the device-control process.
	Action string `json:"action"`

	// Value is an optional expression for the action's setpoint. It may
	// evaluate to a scalar or an array (e.g. a waveform).
	Value string `json:"value,omitempty"`
}

// StepType discriminates the step-program node kinds.
type StepType string

const (
	// StepSet assigns Variable = Value.
	StepSet StepType = "set"

	// StepLinspace loops Variable over Count evenly spaced values from
	// Start to Stop inclusive, executing Body for each.
	StepLinspace StepType = "linspace"

	// StepRange loops Variable from Start towards Stop in increments of
	// Increment (exclusive of Stop), executing Body for each.
	StepRange StepType = "range"

	// StepList loops Variable over the explicit Values expressions,
	// executing Body for each.
	StepList StepType = "list"

	// StepShot emits one shot with the current variable values.
	StepShot StepType = "shot"
)

// Step is one node of the sweep specification. Which fields are meaningful
// depends on Type; Validate rejects inconsistent combinations.
type Step struct {
	Type StepType `json:"type"`

	// Variable receives the assigned or swept value (set and loop types).
	Variable string `json:"variable,omitempty"`

	// Value is the expression assigned by a set step.
	Value string `json:"value,omitempty"`

	// Start/Stop bound linspace and range loops. Expressions; may
	// reference variables defined by enclosing steps.
	Start string `json:"start,omitempty"`
	Stop  string `json:"stop,omitempty"`

	// Count is the number of points in a linspace loop.
	Count int `json:"count,omitempty"`

	// Increment is the step expression of a range loop.
	Increment string `json:"increment,omitempty"`

	// Values are the explicit expressions of a list loop.
	Values []string `json:"values,omitempty"`

	// Body holds the nested steps executed per loop iteration.
	Body []Step `json:"body,omitempty"`
}

// Binding is a concrete mapping from every parameter name to its resolved
// value for one shot. Produced by the Iterator, consumed exactly once by
// the compiler.
type Binding map[string]float64

// Clone returns an independent copy of the binding.
func (b Binding) Clone() Binding {
	out := make(Binding, len(b))
	for name, value := range b {
		out[name] = value
	}
	return out
}

// ShotOutcome is the recorded result classification of one shot.
type ShotOutcome string

const (
	OutcomeSuccess ShotOutcome = "success"
	OutcomeFailed  ShotOutcome = "failed"
)

// ShotRecord is the persisted result of one shot: the binding it ran with,
// its outcome, the acquired data keyed by channel, and timing metadata.
type ShotRecord struct {
	SequenceID string      `json:"sequence_id"`
	Index      int         `json:"shot_index"`
	Binding    Binding     `json:"binding"`
	Outcome    ShotOutcome `json:"outcome"`
	Attempts   int         `json:"attempts"`

	// Data holds the acquired data per channel, as reported by the
	// device-control processes. Stored verbatim.
	Data map[string]any `json:"data,omitempty"`

	Error      *string   `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// GenerateID creates a new UUID for a sequence.
func GenerateID() string {
	return uuid.New().String()
}
