package compiler

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/causality/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrNoIntents = "E100" // workload declares no intents

	// Resource errors (E101-E109)
	ErrDuplicateName  = "E101" // duplicate resource name or intent id
	ErrMissingField   = "E102" // required field is empty
	ErrInvalidValue   = "E103" // value not representable (floats)
	ErrInvalidPattern = "E104" // unknown access pattern
	ErrUnusedResource = "E105" // declared but never bound (warning)

	// Intent errors (E110-E119)
	ErrUnknownResource   = "E110" // binding names an undeclared resource
	ErrInvalidConstraint = "E111" // constraint fails its own checks
	ErrUnboundInput      = "E112" // input neither bound nor produced earlier
	ErrDuplicateOutput   = "E113" // output reuses a binding name
	ErrUnknownDependency = "E114" // depends_on names an undeclared intent
	ErrDependencyCycle   = "E115" // intents depend on each other
	ErrInvalidPriority   = "E116" // unknown priority name
	ErrInvalidTimeout    = "E117" // timeout is not a positive duration
	ErrNoConstraints     = "E118" // intent has no constraints
	ErrDisallowedDomain  = "E119" // domain outside location.allowed
)

// ValidationError is one problem found in a workload.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a workload and returns every error found. Unused
// resources are not errors; see Warnings.
func Validate(w *Workload) []ValidationError {
	var errs []ValidationError

	if len(w.Intents) == 0 {
		errs = append(errs, ValidationError{
			Field:   "intents",
			Message: "workload declares no intents",
			Code:    ErrNoIntents,
		})
	}

	resources := make(map[string]bool, len(w.Resources))
	for i, r := range w.Resources {
		field := fmt.Sprintf("resources[%d]", i)
		errs = append(errs, validateResource(field, r, resources)...)
		resources[r.Name] = true
	}

	intents := make(map[string]bool, len(w.Intents))
	for _, in := range w.Intents {
		intents[in.ID] = true
	}
	seen := make(map[string]bool, len(w.Intents))
	for i, in := range w.Intents {
		field := fmt.Sprintf("intents[%d]", i)
		if in.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "id is required", Code: ErrMissingField, Line: in.Line})
		} else if seen[in.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate intent id %q", in.ID),
				Code:    ErrDuplicateName,
				Line:    in.Line,
			})
		}
		seen[in.ID] = true
		errs = append(errs, validateIntent(field, in, resources, intents)...)
	}

	for _, c := range AnalyzeDependencies(w).Cycles {
		errs = append(errs, ValidationError{
			Field:   "intents",
			Message: c.Message,
			Code:    ErrDependencyCycle,
		})
	}
	return errs
}

func validateResource(field string, r ResourceDecl, seen map[string]bool) []ValidationError {
	var errs []ValidationError
	if r.Name == "" {
		errs = append(errs, ValidationError{Field: field + ".name", Message: "name is required", Code: ErrMissingField, Line: r.Line})
	} else if seen[r.Name] {
		errs = append(errs, ValidationError{
			Field:   field + ".name",
			Message: fmt.Sprintf("duplicate resource name %q", r.Name),
			Code:    ErrDuplicateName,
			Line:    r.Line,
		})
	}
	if r.Location == "" {
		errs = append(errs, ValidationError{
			Field:   field + ".location",
			Message: fmt.Sprintf("resource %q has no location", r.Name),
			Code:    ErrMissingField,
			Line:    r.Line,
		})
	}
	if r.Pattern.Kind != "" {
		if err := r.Pattern.Validate(); err != nil {
			errs = append(errs, ValidationError{Field: field + ".access_pattern", Message: err.Error(), Code: ErrInvalidPattern, Line: r.Line})
		}
	}
	if _, err := ir.FromAny(r.Value); err != nil {
		errs = append(errs, ValidationError{Field: field + ".value", Message: err.Error(), Code: ErrInvalidValue, Line: r.Line})
	}
	return errs
}

func validateIntent(field string, in IntentDecl, resources, intents map[string]bool) []ValidationError {
	var errs []ValidationError
	add := func(f, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + f, Message: fmt.Sprintf(format, args...), Code: code, Line: in.Line})
	}

	if _, err := ir.ParsePriority(in.Priority); err != nil {
		add(".priority", ErrInvalidPriority, "%v", err)
	}
	if in.Timeout != "" {
		if d, err := time.ParseDuration(in.Timeout); err != nil || d <= 0 {
			add(".timeout", ErrInvalidTimeout, "invalid timeout %q", in.Timeout)
		}
	}
	if len(in.Location.Allowed) > 0 && in.Domain != "" && !slices.Contains(in.Location.Allowed, in.Domain) {
		add(".location.allowed", ErrDisallowedDomain, "domain %s is not among the allowed locations", in.Domain)
	}

	for _, binding := range slices.Sorted(maps.Keys(in.Bindings)) {
		if name := in.Bindings[binding]; !resources[name] {
			add(".bindings."+binding, ErrUnknownResource, "unknown resource %q", name)
		}
	}

	for _, dep := range in.DependsOn {
		if !intents[dep] {
			add(".depends_on", ErrUnknownDependency, "unknown intent %q", dep)
		}
	}

	if len(in.Constraints) == 0 {
		add(".constraints", ErrNoConstraints, "intent %q has no constraints", in.ID)
	}
	available := make(map[string]bool, len(in.Bindings))
	for binding := range in.Bindings {
		available[binding] = true
	}
	for ci, c := range in.Constraints {
		cf := fmt.Sprintf(".constraints[%d]", ci)
		if err := c.Validate(); err != nil {
			add(cf, ErrInvalidConstraint, "%v", err)
		}
		for _, input := range c.Inputs {
			if !available[input] {
				add(cf+".inputs", ErrUnboundInput, "input %q is neither bound nor produced by an earlier constraint", input)
			}
		}
		if c.Output != "" {
			if available[c.Output] {
				add(cf+".output", ErrDuplicateOutput, "output %q is already bound", c.Output)
			}
			available[c.Output] = true
		}
	}
	return errs
}

// Warnings reports resources no intent binds.
func Warnings(w *Workload) []ValidationError {
	used := make(map[string]bool)
	for _, in := range w.Intents {
		for _, name := range in.Bindings {
			used[name] = true
		}
	}
	var out []ValidationError
	for i, r := range w.Resources {
		if !used[r.Name] {
			out = append(out, ValidationError{
				Field:   fmt.Sprintf("resources[%d]", i),
				Message: fmt.Sprintf("resource %q is never bound", r.Name),
				Code:    ErrUnusedResource,
				Line:    r.Line,
			})
		}
	}
	return out
}
