package expression

import (
	"errors"
	"fmt"
)

// Sentinel errors for expression evaluation.
// Use errors.Is() to check for these in calling code.
var (
	// ErrParse is returned when an expression cannot be parsed.
	ErrParse = errors.New("expression: parse error")

	// ErrEvaluation is returned when a parsed expression fails to evaluate
	// (unknown variable, unknown function, type mismatch).
	ErrEvaluation = errors.New("expression: evaluation error")

	// ErrDomain is returned when evaluation produces a value outside the
	// function's domain (e.g. sqrt of a negative number).
	ErrDomain = errors.New("expression: domain error")

	// ErrNotScalar is returned when a scalar result was required but the
	// expression produced an array or other non-numeric value.
	ErrNotScalar = errors.New("expression: result is not a scalar number")

	// ErrReservedName is returned when a binding attempts to shadow an
	// injected constant such as pi or e.
	ErrReservedName = errors.New("expression: reserved name")
)

// EvaluationError reports a failure to evaluate an expression.
// It carries the expression text so the failing shot can be reproduced
// in isolation, and wraps the underlying cause for errors.Is checks.
type EvaluationError struct {
	// Expression is the source text that failed.
	Expression string

	// Err is the underlying cause (one of the sentinels above, wrapped
	// around parser or evaluator detail).
	Err error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %q: %v", e.Expression, e.Err)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// evalError wraps err in an *EvaluationError for expr.
func evalError(expr string, err error) error {
	return &EvaluationError{Expression: expr, Err: err}
}
