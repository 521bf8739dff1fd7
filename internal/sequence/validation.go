package sequence

import (
	"fmt"
	"strings"
)

// Validation constants.
const (
	maxNameLength   = 100
	maxLanes        = 64
	maxLaneEntries  = 1000
	maxStepDepth    = 16
	maxListValues   = 10000
	maxLinspaceSize = 1000000

	// maxRangeIterations bounds a range step the same way maxLinspaceSize
	// bounds linspace. It is enforced during the walk rather than here:
	// start/stop/increment are expressions that may reference outer loop
	// variables, so the iteration count is only known once evaluated.
	maxRangeIterations = 1000000
)

// ExprValidator is the interface admission validation needs from the
// expression package: a parse-only check that rejects malformed
// expressions without evaluating them.
type ExprValidator interface {
	Validate(expr string) error
}

// Validate performs the entry-level static checks run once at admission,
// before a sequence may transition out of Preparing. It verifies structure
// and that every expression parses; value-dependent checks (overlap with
// resolved timings, channel/device resolution) happen at compile time.
//
// Parameters:
//   - seq: The sequence to validate
//   - parser: Expression parse checker
//   - reserved: Variable names steps may not assign (injected constants)
//
// Returns:
//   - error: The first validation failure found, or nil
func Validate(seq *Sequence, parser ExprValidator, reserved []string) error {
	if seq == nil {
		return ErrInvalid
	}

	if strings.TrimSpace(seq.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if len(seq.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLength)
	}

	if strings.TrimSpace(seq.Duration) == "" {
		return fmt.Errorf("%w: duration expression is required", ErrInvalid)
	}
	if err := parser.Validate(seq.Duration); err != nil {
		return fmt.Errorf("%w: duration: %w", ErrInvalid, err)
	}

	if len(seq.Lanes) == 0 {
		return fmt.Errorf("%w: at least one lane is required", ErrInvalid)
	}
	if len(seq.Lanes) > maxLanes {
		return fmt.Errorf("%w: exceeds maximum of %d lanes", ErrInvalid, maxLanes)
	}
	seen := make(map[string]struct{}, len(seq.Lanes))
	for i := range seq.Lanes {
		if err := validateLane(&seq.Lanes[i], parser); err != nil {
			return fmt.Errorf("lane[%d]: %w", i, err)
		}
		if _, dup := seen[seq.Lanes[i].Channel]; dup {
			return fmt.Errorf("%w: duplicate channel %q", ErrInvalidLane, seq.Lanes[i].Channel)
		}
		seen[seq.Lanes[i].Channel] = struct{}{}
	}

	if len(seq.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalid)
	}
	reservedSet := make(map[string]struct{}, len(reserved))
	for _, name := range reserved {
		reservedSet[name] = struct{}{}
	}
	for i := range seq.Steps {
		if err := validateStep(&seq.Steps[i], parser, reservedSet, 1); err != nil {
			return fmt.Errorf("step[%d]: %w", i, err)
		}
	}

	return nil
}

// validateLane checks one time lane's structure and expressions.
func validateLane(lane *TimeLane, parser ExprValidator) error {
	if strings.TrimSpace(lane.Channel) == "" {
		return fmt.Errorf("%w: channel is required", ErrInvalidLane)
	}
	if len(lane.Entries) == 0 {
		return fmt.Errorf("%w: lane %q has no entries", ErrInvalidLane, lane.Channel)
	}
	if len(lane.Entries) > maxLaneEntries {
		return fmt.Errorf("%w: lane %q exceeds %d entries", ErrInvalidLane, lane.Channel, maxLaneEntries)
	}

	for i, entry := range lane.Entries {
		if strings.TrimSpace(entry.Action) == "" {
			return fmt.Errorf("%w: entry[%d] action is required", ErrInvalidLane, i)
		}
		if strings.TrimSpace(entry.Start) == "" {
			return fmt.Errorf("%w: entry[%d] start is required", ErrInvalidLane, i)
		}
		if err := parser.Validate(entry.Start); err != nil {
			return fmt.Errorf("%w: entry[%d] start: %w", ErrInvalidLane, i, err)
		}
		if strings.TrimSpace(entry.Duration) == "" {
			return fmt.Errorf("%w: entry[%d] duration is required", ErrInvalidLane, i)
		}
		if err := parser.Validate(entry.Duration); err != nil {
			return fmt.Errorf("%w: entry[%d] duration: %w", ErrInvalidLane, i, err)
		}
		if entry.Value != "" {
			if err := parser.Validate(entry.Value); err != nil {
				return fmt.Errorf("%w: entry[%d] value: %w", ErrInvalidLane, i, err)
			}
		}
	}
	return nil
}

// validateStep checks one sweep step recursively.
func validateStep(step *Step, parser ExprValidator, reserved map[string]struct{}, depth int) error {
	if depth > maxStepDepth {
		return fmt.Errorf("%w: nesting exceeds %d levels", ErrInvalidStep, maxStepDepth)
	}

	assignsVariable := step.Type != StepShot
	if assignsVariable {
		if strings.TrimSpace(step.Variable) == "" {
			return fmt.Errorf("%w: %s requires a variable", ErrInvalidStep, step.Type)
		}
		if _, bad := reserved[step.Variable]; bad {
			return fmt.Errorf("%w: %q", ErrReservedName, step.Variable)
		}
	}

	switch step.Type {
	case StepSet:
		if strings.TrimSpace(step.Value) == "" {
			return fmt.Errorf("%w: set requires a value", ErrInvalidStep)
		}
		if err := parser.Validate(step.Value); err != nil {
			return fmt.Errorf("%w: value: %w", ErrInvalidStep, err)
		}
		return nil

	case StepLinspace:
		if step.Count < 1 || step.Count > maxLinspaceSize {
			return fmt.Errorf("%w: linspace count must be 1-%d", ErrInvalidStep, maxLinspaceSize)
		}
		if err := validateBounds(step, parser); err != nil {
			return err
		}
		return validateBody(step, parser, reserved, depth)

	case StepRange:
		if strings.TrimSpace(step.Increment) == "" {
			return fmt.Errorf("%w: range requires an increment", ErrInvalidStep)
		}
		if err := parser.Validate(step.Increment); err != nil {
			return fmt.Errorf("%w: increment: %w", ErrInvalidStep, err)
		}
		if err := validateBounds(step, parser); err != nil {
			return err
		}
		return validateBody(step, parser, reserved, depth)

	case StepList:
		if len(step.Values) == 0 {
			return fmt.Errorf("%w: list requires values", ErrInvalidStep)
		}
		if len(step.Values) > maxListValues {
			return fmt.Errorf("%w: list exceeds %d values", ErrInvalidStep, maxListValues)
		}
		for i, expr := range step.Values {
			if err := parser.Validate(expr); err != nil {
				return fmt.Errorf("%w: values[%d]: %w", ErrInvalidStep, i, err)
			}
		}
		return validateBody(step, parser, reserved, depth)

	case StepShot:
		if len(step.Body) != 0 {
			return fmt.Errorf("%w: shot step cannot have a body", ErrInvalidStep)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStep, step.Type)
	}
}

func validateBounds(step *Step, parser ExprValidator) error {
	if strings.TrimSpace(step.Start) == "" || strings.TrimSpace(step.Stop) == "" {
		return fmt.Errorf("%w: %s requires start and stop", ErrInvalidStep, step.Type)
	}
	if err := parser.Validate(step.Start); err != nil {
		return fmt.Errorf("%w: start: %w", ErrInvalidStep, err)
	}
	if err := parser.Validate(step.Stop); err != nil {
		return fmt.Errorf("%w: stop: %w", ErrInvalidStep, err)
	}
	return nil
}

func validateBody(step *Step, parser ExprValidator, reserved map[string]struct{}, depth int) error {
	if len(step.Body) == 0 {
		return fmt.Errorf("%w: %s requires a body", ErrInvalidStep, step.Type)
	}
	for i := range step.Body {
		if err := validateStep(&step.Body[i], parser, reserved, depth+1); err != nil {
			return fmt.Errorf("body[%d]: %w", i, err)
		}
	}
	return nil
}
