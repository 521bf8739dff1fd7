package compiler

import (
	"fmt"
	"math"
	"sort"

	"github.com/helionlab/shotline/internal/sequence"
)

// Evaluator is the interface the compiler needs from the expression
// package. Declared consumer-side so tests can substitute a stub.
type Evaluator interface {
	// EvaluateFloat evaluates an expression to a scalar.
	EvaluateFloat(expr string, vars map[string]float64) (float64, error)

	// EvaluateFloats evaluates an expression to a value list (scalar
	// results convert to a one-element list).
	EvaluateFloats(expr string, vars map[string]float64) ([]float64, error)
}

// Compiler resolves sequences into per-device shot programs.
type Compiler struct {
	eval Evaluator

	// channelOwners maps each device channel to its owning device ID, as
	// declared by the apparatus configuration.
	channelOwners map[string]string
}

// New creates a Compiler for the given apparatus.
//
// Parameters:
//   - eval: Expression evaluator used for lane and duration expressions
//   - channelOwners: Channel name → owning device ID
//
// Returns:
//   - *Compiler: Ready to compile; immutable after construction
func New(eval Evaluator, channelOwners map[string]string) *Compiler {
	owners := make(map[string]string, len(channelOwners))
	for channel, device := range channelOwners {
		owners[channel] = device
	}
	return &Compiler{eval: eval, channelOwners: owners}
}

// resolvedEntry is a lane entry with its expressions evaluated, kept with
// its declaration index for error reporting.
type resolvedEntry struct {
	declIndex  int
	startNs    int64
	durationNs int64
	action     string
	values     []float64
}

// Compile turns one (binding, time lanes) pair into a shot program.
//
// Every expression in the sequence's duration and lanes is evaluated
// against the binding, timings are converted from seconds to nanosecond
// offsets, and the per-channel timing invariants are checked: entries must
// not overlap (half-open [start, start+duration) intervals; a shared
// boundary is not an overlap) and must fit within the shot duration.
//
// Parameters:
//   - seq: The sequence definition (duration expression and lanes)
//   - shotIndex: Position of this shot within the sweep
//   - binding: Parameter values for this shot
//
// Returns:
//   - *Program: The compiled program, instructions grouped per device
//   - error: *CompilationError on any validation or evaluation failure
func (c *Compiler) Compile(seq *sequence.Sequence, shotIndex int, binding sequence.Binding) (*Program, error) {
	durationSeconds, err := c.eval.EvaluateFloat(seq.Duration, binding)
	if err != nil {
		return nil, compileError("", -1, "shot duration", err)
	}
	if durationSeconds <= 0 {
		return nil, compileError("", -1, "shot duration",
			fmt.Errorf("%w: duration %v must be positive", ErrInvalidTiming, durationSeconds))
	}
	durationNs, err := secondsToNanos(durationSeconds)
	if err != nil {
		return nil, compileError("", -1, "shot duration", err)
	}

	byDevice := make(map[string][]Instruction)
	for i := range seq.Lanes {
		lane := &seq.Lanes[i]

		deviceID, ok := c.channelOwners[lane.Channel]
		if !ok {
			return nil, compileError(lane.Channel, -1, "channel ownership",
				fmt.Errorf("%w: %q is not owned by any configured device", ErrUnknownChannel, lane.Channel))
		}

		entries, err := c.resolveLane(lane, binding, durationNs)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			byDevice[deviceID] = append(byDevice[deviceID], Instruction{
				Channel:    lane.Channel,
				Action:     entry.action,
				StartNs:    entry.startNs,
				DurationNs: entry.durationNs,
				Values:     entry.values,
			})
		}
	}

	program := &Program{
		SequenceID: seq.ID,
		ShotIndex:  shotIndex,
		Binding:    binding.Clone(),
		DurationNs: durationNs,
		Devices:    make([]DeviceProgram, 0, len(byDevice)),
	}
	for deviceID, instructions := range byDevice {
		sort.Slice(instructions, func(a, b int) bool {
			if instructions[a].StartNs != instructions[b].StartNs {
				return instructions[a].StartNs < instructions[b].StartNs
			}
			return instructions[a].Channel < instructions[b].Channel
		})
		program.Devices = append(program.Devices, DeviceProgram{
			DeviceID:     deviceID,
			Instructions: instructions,
		})
	}
	sort.Slice(program.Devices, func(a, b int) bool {
		return program.Devices[a].DeviceID < program.Devices[b].DeviceID
	})

	return program, nil
}

// resolveLane evaluates one lane's entries and checks its timing
// invariants.
func (c *Compiler) resolveLane(lane *sequence.TimeLane, binding sequence.Binding, shotDurationNs int64) ([]resolvedEntry, error) {
	entries := make([]resolvedEntry, 0, len(lane.Entries))

	for i := range lane.Entries {
		raw := &lane.Entries[i]

		startSeconds, err := c.eval.EvaluateFloat(raw.Start, binding)
		if err != nil {
			return nil, compileError(lane.Channel, i, "start expression", err)
		}
		durationSeconds, err := c.eval.EvaluateFloat(raw.Duration, binding)
		if err != nil {
			return nil, compileError(lane.Channel, i, "duration expression", err)
		}

		if startSeconds < 0 {
			return nil, compileError(lane.Channel, i, "start offset",
				fmt.Errorf("%w: start %v is negative", ErrInvalidTiming, startSeconds))
		}
		if durationSeconds < 0 {
			return nil, compileError(lane.Channel, i, "entry duration",
				fmt.Errorf("%w: duration %v is negative", ErrInvalidTiming, durationSeconds))
		}

		startNs, err := secondsToNanos(startSeconds)
		if err != nil {
			return nil, compileError(lane.Channel, i, "start offset", err)
		}
		durationNs, err := secondsToNanos(durationSeconds)
		if err != nil {
			return nil, compileError(lane.Channel, i, "entry duration", err)
		}

		entry := resolvedEntry{
			declIndex:  i,
			startNs:    startNs,
			durationNs: durationNs,
			action:     raw.Action,
		}
		// Subtraction form: both operands are non-negative and bounded, so
		// the comparison cannot overflow the way start+duration could.
		if entry.durationNs > shotDurationNs-entry.startNs {
			return nil, compileError(lane.Channel, i, "fit within shot",
				fmt.Errorf("%w: entry at %dns for %dns, shot ends at %dns",
					ErrExceedsDuration, entry.startNs, entry.durationNs, shotDurationNs))
		}

		if raw.Value != "" {
			values, err := c.eval.EvaluateFloats(raw.Value, binding)
			if err != nil {
				return nil, compileError(lane.Channel, i, "value expression", err)
			}
			entry.values = values
		}

		entries = append(entries, entry)
	}

	// Overlap check over half-open intervals. Entries may be declared in
	// any order; sort a copy by start and compare neighbours.
	sorted := make([]resolvedEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(a, b int) bool {
		return sorted[a].startNs < sorted[b].startNs
	})
	for i := 1; i < len(sorted); i++ {
		prev, curr := sorted[i-1], sorted[i]
		if curr.startNs < prev.startNs+prev.durationNs {
			return nil, compileError(lane.Channel, curr.declIndex, "channel exclusivity",
				fmt.Errorf("%w: entry %d [%d, %d) overlaps entry %d [%d, %d)",
					ErrOverlap,
					curr.declIndex, curr.startNs, curr.startNs+curr.durationNs,
					prev.declIndex, prev.startNs, prev.startNs+prev.durationNs))
		}
	}

	return entries, nil
}

// maxProgramSeconds is the largest time value representable as int64
// nanoseconds, about 292 years. Evaluated timings beyond it are rejected
// outright rather than left to overflow into garbage offsets.
const maxProgramSeconds = float64(math.MaxInt64) / 1e9

// secondsToNanos converts an evaluated time in seconds to integer
// nanoseconds. Rounding keeps values like 0.1s exact at nanosecond
// resolution despite binary float representation.
func secondsToNanos(seconds float64) (int64, error) {
	if math.IsNaN(seconds) || seconds > maxProgramSeconds {
		return 0, fmt.Errorf("%w: %v s is outside the representable range",
			ErrInvalidTiming, seconds)
	}
	return int64(math.Round(seconds * 1e9)), nil
}
