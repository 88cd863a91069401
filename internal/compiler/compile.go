package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/causality/internal/ir"
)

// CompileWorkload parses a CUE value into a Workload. Resources and intents
// are structs keyed by name:
//
//	resources: y: {
//		type:           "int"
//		access_pattern: kind: "read_only"
//		value:          21
//		location:       "S"
//	}
//	intents: calc: {
//		domain:   "S"
//		priority: "high"
//		constraints: [{kind: "local_transform", definition: "double", inputs: ["y"], output: "z"}]
//		bindings: y: "y"
//		expected: 42
//	}
//
// Declarations keep their CUE field order.
func CompileWorkload(v cue.Value) (*Workload, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	w := &Workload{}

	if rv := v.LookupPath(cue.ParsePath("resources")); rv.Exists() {
		iter, err := rv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			r, err := compileResource(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			w.Resources = append(w.Resources, r)
		}
	}

	if iv := v.LookupPath(cue.ParsePath("intents")); iv.Exists() {
		iter, err := iv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			in, err := compileIntent(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			w.Intents = append(w.Intents, in)
		}
	}

	if len(w.Resources) == 0 && len(w.Intents) == 0 {
		return nil, &CompileError{
			Field:   "workload",
			Message: "no resources or intents defined",
			Pos:     v.Pos(),
		}
	}
	return w, nil
}

// CompileString compiles CUE source. filename is used in positions.
func CompileString(filename, src string) (*Workload, error) {
	ctx := cuecontext.New()
	return CompileWorkload(ctx.CompileString(src, cue.Filename(filename)))
}

// CompileFile compiles a single .cue file.
func CompileFile(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}
	return CompileString(path, string(data))
}

func compileResource(name string, v cue.Value) (ResourceDecl, error) {
	r := ResourceDecl{Name: name, Line: v.Pos().Line()}
	var err error

	if r.Type, err = optionalString(v, "type"); err != nil {
		return r, err
	}
	if r.Origin, err = optionalString(v, "origin"); err != nil {
		return r, err
	}
	loc, err := requiredString(v, "location", "resources."+name)
	if err != nil {
		return r, err
	}
	r.Location = ir.DomainID(loc)

	if pv := v.LookupPath(cue.ParsePath("access_pattern")); pv.Exists() {
		if err := pv.Decode(&r.Pattern); err != nil {
			return r, formatCUEError(err)
		}
	}

	vv := v.LookupPath(cue.ParsePath("value"))
	if !vv.Exists() {
		return r, &CompileError{
			Field:   fmt.Sprintf("resources.%s.value", name),
			Message: "value is required",
			Pos:     v.Pos(),
		}
	}
	if r.Value, err = plainValue(vv); err != nil {
		return r, err
	}
	return r, nil
}

func compileIntent(id string, v cue.Value) (IntentDecl, error) {
	in := IntentDecl{ID: id, Line: v.Pos().Line()}

	domain, err := optionalString(v, "domain")
	if err != nil {
		return in, err
	}
	in.Domain = ir.DomainID(domain)
	if in.Priority, err = optionalString(v, "priority"); err != nil {
		return in, err
	}
	if in.Timeout, err = optionalString(v, "timeout"); err != nil {
		return in, err
	}

	if dv := v.LookupPath(cue.ParsePath("depends_on")); dv.Exists() {
		if err := dv.Decode(&in.DependsOn); err != nil {
			return in, formatCUEError(err)
		}
	}

	cv := v.LookupPath(cue.ParsePath("constraints"))
	if !cv.Exists() {
		return in, &CompileError{
			Field:   fmt.Sprintf("intents.%s.constraints", id),
			Message: "constraints are required",
			Pos:     v.Pos(),
		}
	}
	iter, err := cv.List()
	if err != nil {
		return in, formatCUEError(err)
	}
	for iter.Next() {
		var c ir.TransformConstraint
		if err := iter.Value().Decode(&c); err != nil {
			return in, formatCUEError(err)
		}
		in.Constraints = append(in.Constraints, c)
	}

	if bv := v.LookupPath(cue.ParsePath("bindings")); bv.Exists() {
		fields, err := bv.Fields()
		if err != nil {
			return in, formatCUEError(err)
		}
		in.Bindings = make(map[string]string)
		for fields.Next() {
			name, err := fields.Value().String()
			if err != nil {
				return in, formatCUEError(err)
			}
			in.Bindings[fields.Label()] = name
		}
	}

	if lv := v.LookupPath(cue.ParsePath("location")); lv.Exists() {
		if err := lv.Decode(&in.Location); err != nil {
			return in, formatCUEError(err)
		}
	}

	if ev := v.LookupPath(cue.ParsePath("expected")); ev.Exists() {
		if in.Expected, err = plainValue(ev); err != nil {
			return in, err
		}
	}
	return in, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func requiredString(v cue.Value, field, owner string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   owner + "." + field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// plainValue converts a concrete CUE value to the plain data ir.FromAny
// accepts. Floats are rejected.
func plainValue(v cue.Value) (any, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return b, nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return n, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return s, nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := []any{}
		for iter.Next() {
			elem, err := plainValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out := map[string]any{}
		for iter.Next() {
			elem, err := plainValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Label()] = elem
		}
		return out, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "value",
			Message: "floats are not representable, use int",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("unsupported kind %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error that carries a position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
