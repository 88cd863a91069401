package engine

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Transform computes a compute effect's result from its input values.
type Transform func(args []ir.Value) (ir.Value, error)

// ParamTransform builds a Transform from the integer parameter written after
// the definition name, as in "add 5".
type ParamTransform func(param int64) Transform

// Transforms resolves compute definitions.
//
// Thread-safety: safe for concurrent use.
type Transforms struct {
	mu     sync.RWMutex
	plain  map[string]Transform
	params map[string]ParamTransform
}

// NewTransforms returns a registry with the built-in definitions: identity,
// double, negate, sum, add N and mul N.
func NewTransforms() *Transforms {
	t := &Transforms{plain: make(map[string]Transform), params: make(map[string]ParamTransform)}
	t.Register("identity", identity)
	t.Register("double", unaryInt(func(v int64) int64 { return v * 2 }))
	t.Register("negate", unaryInt(func(v int64) int64 { return -v }))
	t.Register("sum", sumInts)
	t.RegisterParam("add", func(n int64) Transform { return unaryInt(func(v int64) int64 { return v + n }) })
	t.RegisterParam("mul", func(n int64) Transform { return unaryInt(func(v int64) int64 { return v * n }) })
	return t
}

// Register installs a definition without parameters.
func (t *Transforms) Register(name string, fn Transform) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plain[name] = fn
}

// RegisterParam installs a definition taking one integer parameter.
func (t *Transforms) RegisterParam(name string, fn ParamTransform) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[name] = fn
}

// Names lists the registered definition names, sorted.
func (t *Transforms) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := slices.Collect(maps.Keys(t.plain))
	for name := range t.params {
		names = append(names, name+" N")
	}
	slices.Sort(names)
	return names
}

// Resolve parses definition and returns its transform.
func (t *Transforms) Resolve(definition string) (Transform, error) {
	fields := strings.Fields(definition)
	if len(fields) == 0 {
		return nil, unknownTransform(definition)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	switch len(fields) {
	case 1:
		if fn, ok := t.plain[fields[0]]; ok {
			return fn, nil
		}
	case 2:
		if fn, ok := t.params[fields[0]]; ok {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fault.Validation("definition", "integer parameter", fields[1],
					"definition %q: parameter is not an integer", definition).WithCode(CodeBadArgument)
			}
			return fn(n), nil
		}
	}
	return nil, unknownTransform(definition)
}

func unknownTransform(definition string) error {
	return fault.Validation("definition", "registered transform", definition,
		"no transform named %q", definition).WithCode(CodeUnknownTransform)
}

func identity(args []ir.Value) (ir.Value, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return ir.Array(slices.Clone(args)), nil
}

func unaryInt(fn func(int64) int64) Transform {
	return func(args []ir.Value) (ir.Value, error) {
		if len(args) != 1 {
			return nil, fault.Validation("inputs", "1", strconv.Itoa(len(args)),
				"transform takes one input, got %d", len(args)).WithCode(CodeBadArgument)
		}
		v, ok := args[0].(ir.Int)
		if !ok {
			return nil, fault.Validation("inputs[0]", "int", typeName(args[0]),
				"transform takes an int").WithCode(CodeBadArgument)
		}
		return ir.Int(fn(int64(v))), nil
	}
}

func sumInts(args []ir.Value) (ir.Value, error) {
	var total int64
	for i, a := range args {
		v, ok := a.(ir.Int)
		if !ok {
			return nil, fault.Validation("inputs["+strconv.Itoa(i)+"]", "int", typeName(a),
				"sum takes ints").WithCode(CodeBadArgument)
		}
		total += int64(v)
	}
	return ir.Int(total), nil
}

func typeName(v ir.Value) string {
	switch v.(type) {
	case ir.Int:
		return "int"
	case ir.String:
		return "string"
	case ir.Bool:
		return "bool"
	case ir.Array:
		return "array"
	case ir.Object:
		return "object"
	}
	return "null"
}
