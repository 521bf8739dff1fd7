// Package expression provides the sandboxed evaluator for user-supplied
// scalar and array expressions in sequence definitions.
//
// Expressions use HCL expression syntax (arithmetic, named variables,
// function calls) parsed by hashicorp/hcl and evaluated over go-cty values.
// There is no general-purpose code execution: the only names visible to an
// expression are the caller-supplied variable bindings, the injected
// constants (pi, e), and the functions in the Registry the Evaluator was
// constructed with.
//
// # Usage
//
//	eval := expression.New(expression.DefaultRegistry())
//	v, err := eval.EvaluateFloat("amplitude * sin(2 * pi * t)", map[string]float64{
//	    "amplitude": 0.5,
//	    "t":         0.25,
//	})
//
// Evaluation is pure and re-entrant: the same expression with the same
// bindings always yields the same value. All failures (parse error, unknown
// variable, unknown function, type mismatch, arithmetic domain error) are
// reported as an *EvaluationError carrying the offending expression text.
//
// # Thread Safety
//
// An Evaluator is immutable after construction and safe for concurrent use.
// The Registry must not be modified once an Evaluator has been built from it.
package expression
