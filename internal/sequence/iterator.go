package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ExprEvaluator is the interface the iterator needs from the expression
// package. Declared consumer-side so tests can substitute a stub.
type ExprEvaluator interface {
	// EvaluateFloat evaluates an expression to a scalar against the
	// given variable values.
	EvaluateFloat(expr string, vars map[string]float64) (float64, error)
}

// errStopWalk aborts a step walk early (iterator closed). Internal only.
var errStopWalk = errors.New("sequence: stop walk")

// Item is one element of the iteration: a shot index and its binding.
type Item struct {
	Index   int
	Binding Binding
}

// Iterator lazily enumerates the parameter bindings of a sweep
// specification in declaration order: loops vary their variable with the
// declared nesting (outer loop slowest), and each shot step emits one
// binding. The order is a contract — progress display and resume depend on
// index stability.
//
// An Iterator is single-consumer: Next must not be called concurrently.
type Iterator struct {
	items     chan iterItem
	done      chan struct{}
	closeOnce sync.Once
}

type iterItem struct {
	index   int
	binding Binding
	err     error
}

// NewIterator creates an iterator over the full sweep.
func NewIterator(steps []Step, eval ExprEvaluator) *Iterator {
	return NewIteratorAt(steps, eval, 0)
}

// NewIteratorAt creates an iterator that resumes at startIndex: bindings
// with a smaller index are derived (variable assignments still run, since
// loop bounds may reference outer variables) but not emitted, so the first
// Next returns the binding with Index == startIndex.
func NewIteratorAt(steps []Step, eval ExprEvaluator, startIndex int) *Iterator {
	it := &Iterator{
		items: make(chan iterItem),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(it.items)

		index := 0
		err := walkSteps(steps, make(Binding), eval, func(b Binding) error {
			i := index
			index++
			if i < startIndex {
				return nil
			}
			select {
			case it.items <- iterItem{index: i, binding: b}:
				return nil
			case <-it.done:
				return errStopWalk
			}
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			select {
			case it.items <- iterItem{index: index, err: err}:
			case <-it.done:
			}
		}
	}()

	return it
}

// Next returns the next binding in the enumeration.
//
// Returns:
//   - Item: The shot index and binding (valid when ok is true)
//   - bool: false when the sweep is exhausted or the iterator was closed
//   - error: An evaluation failure discovered mid-sweep; the iterator
//     stops after the first error
func (it *Iterator) Next() (Item, bool, error) {
	item, open := <-it.items
	if !open {
		return Item{}, false, nil
	}
	if item.err != nil {
		return Item{}, false, item.err
	}
	return Item{Index: item.index, Binding: item.binding}, true, nil
}

// Close stops the iteration. Bindings already returned by Next remain
// valid; Close never invalidates them. Safe to call multiple times.
func (it *Iterator) Close() {
	it.closeOnce.Do(func() {
		close(it.done)
	})
}

// CountShots walks the sweep specification without emitting bindings and
// returns the total number of shots it defines. Loop bounds are evaluated
// with the same rules as a real run, so counts are exact even when inner
// bounds reference outer variables. The walk checks ctx at every shot, so
// a caller's deadline or cancellation cuts a large count short.
func CountShots(ctx context.Context, steps []Step, eval ExprEvaluator) (int, error) {
	count := 0
	err := walkSteps(steps, make(Binding), eval, func(Binding) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// walkSteps executes the step program against a mutable scope, invoking
// emit with a snapshot of the scope for every shot step.
//
// Scope semantics follow the declaration order: a loop variable keeps its
// final value after the loop body completes, and assignments inside a loop
// persist into subsequent iterations.
func walkSteps(steps []Step, scope Binding, eval ExprEvaluator, emit func(Binding) error) error {
	for i := range steps {
		if err := walkStep(&steps[i], scope, eval, emit); err != nil {
			return err
		}
	}
	return nil
}

func walkStep(step *Step, scope Binding, eval ExprEvaluator, emit func(Binding) error) error {
	switch step.Type {
	case StepSet:
		value, err := eval.EvaluateFloat(step.Value, scope)
		if err != nil {
			return stepError(step, err)
		}
		scope[step.Variable] = value
		return nil

	case StepLinspace:
		start, err := eval.EvaluateFloat(step.Start, scope)
		if err != nil {
			return stepError(step, err)
		}
		stop, err := eval.EvaluateFloat(step.Stop, scope)
		if err != nil {
			return stepError(step, err)
		}
		if step.Count < 1 {
			return stepError(step, fmt.Errorf("%w: linspace count must be >= 1", ErrInvalidStep))
		}
		for i := 0; i < step.Count; i++ {
			value := start
			if step.Count > 1 {
				value = start + (stop-start)*float64(i)/float64(step.Count-1)
			}
			scope[step.Variable] = value
			if err := walkSteps(step.Body, scope, eval, emit); err != nil {
				return err
			}
		}
		return nil

	case StepRange:
		start, err := eval.EvaluateFloat(step.Start, scope)
		if err != nil {
			return stepError(step, err)
		}
		stop, err := eval.EvaluateFloat(step.Stop, scope)
		if err != nil {
			return stepError(step, err)
		}
		increment, err := eval.EvaluateFloat(step.Increment, scope)
		if err != nil {
			return stepError(step, err)
		}
		if increment == 0 {
			return stepError(step, fmt.Errorf("%w: range increment must be non-zero", ErrInvalidStep))
		}
		// Values are computed as start + i*increment rather than by
		// accumulation, so long sweeps do not drift.
		for i := 0; ; i++ {
			value := start + float64(i)*increment
			if (increment > 0 && value >= stop) || (increment < 0 && value <= stop) {
				break
			}
			// The cap also guarantees termination when an evaluated bound
			// is NaN and neither comparison above can ever hold.
			if i >= maxRangeIterations {
				return stepError(step, fmt.Errorf("%w: range exceeds %d iterations",
					ErrInvalidStep, maxRangeIterations))
			}
			scope[step.Variable] = value
			if err := walkSteps(step.Body, scope, eval, emit); err != nil {
				return err
			}
		}
		return nil

	case StepList:
		for _, expr := range step.Values {
			value, err := eval.EvaluateFloat(expr, scope)
			if err != nil {
				return stepError(step, err)
			}
			scope[step.Variable] = value
			if err := walkSteps(step.Body, scope, eval, emit); err != nil {
				return err
			}
		}
		return nil

	case StepShot:
		return emit(scope.Clone())

	default:
		return fmt.Errorf("%w: unknown step type %q", ErrInvalidStep, step.Type)
	}
}

// stepError annotates an evaluation failure with the step it occurred in.
func stepError(step *Step, err error) error {
	if step.Variable != "" {
		return fmt.Errorf("step %s %q: %w", step.Type, step.Variable, err)
	}
	return fmt.Errorf("step %s: %w", step.Type, err)
}
