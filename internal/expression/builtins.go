package expression

import (
	"fmt"
	"math"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Registry is the closed table of builtin functions and constants available
// to expressions. It is supplied to New() at Evaluator construction and must
// not be modified after a sequence has started using it.
type Registry struct {
	functions map[string]function.Function
	constants map[string]cty.Value
}

// NewRegistry creates an empty registry.
// Most callers want DefaultRegistry() instead.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]function.Function),
		constants: make(map[string]cty.Value),
	}
}

// DefaultRegistry returns the standard builtin table: elementary maths
// functions plus the constants pi and e.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterConstant("pi", cty.NumberFloatVal(math.Pi))
	r.RegisterConstant("e", cty.NumberFloatVal(math.E))

	unary := map[string]func(float64) float64{
		"abs":     math.Abs,
		"acos":    math.Acos,
		"asin":    math.Asin,
		"atan":    math.Atan,
		"ceil":    math.Ceil,
		"cos":     math.Cos,
		"cosh":    math.Cosh,
		"exp":     math.Exp,
		"floor":   math.Floor,
		"log":     math.Log,
		"log10":   math.Log10,
		"log2":    math.Log2,
		"sin":     math.Sin,
		"sinh":    math.Sinh,
		"sqrt":    math.Sqrt,
		"tan":     math.Tan,
		"tanh":    math.Tanh,
		"degrees": func(x float64) float64 { return x * 180 / math.Pi },
		"radians": func(x float64) float64 { return x * math.Pi / 180 },
	}
	for name, impl := range unary {
		r.RegisterFunction(name, unaryNumberFunc(name, impl))
	}

	r.RegisterFunction("atan2", binaryNumberFunc("atan2", math.Atan2))
	r.RegisterFunction("min", variadicNumberFunc("min", math.Min))
	r.RegisterFunction("max", variadicNumberFunc("max", math.Max))

	return r
}

// RegisterFunction adds or replaces a builtin function.
func (r *Registry) RegisterFunction(name string, fn function.Function) {
	r.functions[name] = fn
}

// RegisterConstant adds or replaces an injected constant.
// Constants are visible as plain variable names and may not be shadowed
// by sequence parameters.
func (r *Registry) RegisterConstant(name string, value cty.Value) {
	r.constants[name] = value
}

// ConstantNames returns the sorted names of all injected constants.
// Sequence validation uses this to reject parameters that would shadow them.
func (r *Registry) ConstantNames() []string {
	names := make([]string, 0, len(r.constants))
	for name := range r.constants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionNames returns the sorted names of all registered functions.
func (r *Registry) FunctionNames() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// unaryNumberFunc wraps a float64 function as a cty builtin with domain
// checking: a NaN or infinite result from a finite argument is reported as
// a domain error rather than propagated silently.
func unaryNumberFunc(name string, impl func(float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "x", Type: cty.Number},
		},
		Type: function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			var x float64
			if err := gocty.FromCtyValue(args[0], &x); err != nil {
				return cty.NilVal, err
			}
			result := impl(x)
			if err := checkDomain(name, x, result); err != nil {
				return cty.NilVal, err
			}
			return cty.NumberFloatVal(result), nil
		},
	})
}

// binaryNumberFunc wraps a two-argument float64 function as a cty builtin.
func binaryNumberFunc(name string, impl func(float64, float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "y", Type: cty.Number},
			{Name: "x", Type: cty.Number},
		},
		Type: function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			var y, x float64
			if err := gocty.FromCtyValue(args[0], &y); err != nil {
				return cty.NilVal, err
			}
			if err := gocty.FromCtyValue(args[1], &x); err != nil {
				return cty.NilVal, err
			}
			result := impl(y, x)
			if err := checkDomain(name, y, result); err != nil {
				return cty.NilVal, err
			}
			return cty.NumberFloatVal(result), nil
		},
	})
}

// variadicNumberFunc wraps a pairwise reduction (min/max) as a variadic
// cty builtin requiring at least one argument.
func variadicNumberFunc(name string, reduce func(float64, float64) float64) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "first", Type: cty.Number},
		},
		VarParam: &function.Parameter{Name: "rest", Type: cty.Number},
		Type:     function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			var acc float64
			if err := gocty.FromCtyValue(args[0], &acc); err != nil {
				return cty.NilVal, err
			}
			for _, arg := range args[1:] {
				var x float64
				if err := gocty.FromCtyValue(arg, &x); err != nil {
					return cty.NilVal, err
				}
				acc = reduce(acc, x)
			}
			return cty.NumberFloatVal(acc), nil
		},
	})
}

// checkDomain rejects NaN/Inf results produced from a finite argument.
func checkDomain(name string, arg, result float64) error {
	if math.IsNaN(arg) || math.IsInf(arg, 0) {
		return fmt.Errorf("%w: %s argument is not finite", ErrDomain, name)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return fmt.Errorf("%w: %s(%g) is undefined", ErrDomain, name, arg)
	}
	return nil
}
