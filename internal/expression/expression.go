package expression

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Evaluator evaluates expressions against variable bindings using a fixed
// builtin registry. It is immutable after construction.
type Evaluator struct {
	registry *Registry
}

// New creates an Evaluator backed by the given registry.
//
// The registry is captured by reference; callers must not modify it after
// construction (sequences observing inconsistent builtin sets mid-run is
// exactly the hazard this layout removes).
func New(registry *Registry) *Evaluator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Evaluator{registry: registry}
}

// Registry returns the builtin registry this Evaluator was built with.
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// Validate parses an expression without evaluating it.
// Used by sequence admission to reject malformed expressions before any
// shot runs.
//
// Returns:
//   - error: *EvaluationError wrapping ErrParse, or nil if the expression parses
func (e *Evaluator) Validate(expr string) error {
	_, diags := hclsyntax.ParseExpression([]byte(expr), "expr", hcl.InitialPos)
	if diags.HasErrors() {
		return evalError(expr, fmt.Errorf("%w: %s", ErrParse, diags.Error()))
	}
	return nil
}

// Evaluate evaluates an expression against the given variable bindings and
// returns the resulting cty value.
//
// The visible names are the bindings, the registry's constants, and the
// registry's functions; nothing else. Bindings may not shadow constants.
//
// Parameters:
//   - expr: The expression source text
//   - vars: Variable bindings visible to the expression
//
// Returns:
//   - cty.Value: The evaluation result (number, list, etc.)
//   - error: *EvaluationError describing the failure, or nil
func (e *Evaluator) Evaluate(expr string, vars map[string]cty.Value) (cty.Value, error) {
	parsed, diags := hclsyntax.ParseExpression([]byte(expr), "expr", hcl.InitialPos)
	if diags.HasErrors() {
		return cty.NilVal, evalError(expr, fmt.Errorf("%w: %s", ErrParse, diags.Error()))
	}

	variables := make(map[string]cty.Value, len(vars)+len(e.registry.constants))
	for name, value := range e.registry.constants {
		variables[name] = value
	}
	for name, value := range vars {
		if _, reserved := e.registry.constants[name]; reserved {
			return cty.NilVal, evalError(expr, fmt.Errorf("%w: %q", ErrReservedName, name))
		}
		variables[name] = value
	}

	evalCtx := &hcl.EvalContext{
		Variables: variables,
		Functions: e.registry.functions,
	}

	value, diags := parsed.Value(evalCtx)
	if diags.HasErrors() {
		return cty.NilVal, evalError(expr, fmt.Errorf("%w: %s", ErrEvaluation, diags.Error()))
	}
	return value, nil
}

// EvaluateFloat evaluates an expression and converts the result to a scalar
// float64. Non-numeric results fail with ErrNotScalar.
func (e *Evaluator) EvaluateFloat(expr string, vars map[string]float64) (float64, error) {
	value, err := e.Evaluate(expr, FloatVars(vars))
	if err != nil {
		return 0, err
	}
	f, err := AsFloat(value)
	if err != nil {
		return 0, evalError(expr, err)
	}
	return f, nil
}

// EvaluateFloats evaluates an expression to one or more scalar values: a
// scalar result converts to a one-element slice, lists and tuples convert
// element-wise. Used for setpoints that may be waveforms.
func (e *Evaluator) EvaluateFloats(expr string, vars map[string]float64) ([]float64, error) {
	value, err := e.Evaluate(expr, FloatVars(vars))
	if err != nil {
		return nil, err
	}
	out, err := AsFloatSlice(value)
	if err != nil {
		return nil, evalError(expr, err)
	}
	return out, nil
}

// FloatVars converts a plain float binding into cty values for Evaluate.
func FloatVars(vars map[string]float64) map[string]cty.Value {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]cty.Value, len(vars))
	for name, value := range vars {
		out[name] = cty.NumberFloatVal(value)
	}
	return out
}

// AsFloat converts a cty value to a scalar float64.
func AsFloat(value cty.Value) (float64, error) {
	if value.Type() != cty.Number {
		return 0, fmt.Errorf("%w: got %s", ErrNotScalar, value.Type().FriendlyName())
	}
	var f float64
	if err := gocty.FromCtyValue(value, &f); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotScalar, err)
	}
	return f, nil
}

// AsFloatSlice converts a cty value to a float64 slice.
// A scalar number converts to a one-element slice; tuples and lists convert
// element-wise.
func AsFloatSlice(value cty.Value) ([]float64, error) {
	if value.Type() == cty.Number {
		f, err := AsFloat(value)
		if err != nil {
			return nil, err
		}
		return []float64{f}, nil
	}
	if !value.CanIterateElements() {
		return nil, fmt.Errorf("%w: got %s", ErrNotScalar, value.Type().FriendlyName())
	}
	out := make([]float64, 0, value.LengthInt())
	for it := value.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		f, err := AsFloat(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
