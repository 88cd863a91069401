// Package compiler turns workload definitions into engine inputs.
//
// A workload names resources and the intents that use them. Intents refer
// to resources by name and to each other by id; Resolve swaps the names
// for content ids once the resources are registered.
package compiler

import (
	"fmt"
	"time"

	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/ir"
)

// Workload is a set of resource and intent declarations.
type Workload struct {
	Resources []ResourceDecl `json:"resources" yaml:"resources"`
	Intents   []IntentDecl   `json:"intents" yaml:"intents"`
}

// ResourceDecl declares a resource to register. Value is plain data;
// floats are rejected when it is converted.
type ResourceDecl struct {
	Name     string           `json:"name" yaml:"name"`
	Type     string           `json:"type" yaml:"type"`
	Pattern  ir.AccessPattern `json:"access_pattern" yaml:"access_pattern"`
	Value    any              `json:"value" yaml:"value"`
	Location ir.DomainID      `json:"location" yaml:"location"`
	Origin   string           `json:"origin,omitempty" yaml:"origin,omitempty"`

	// Line is the source line of the declaration, when known.
	Line int `json:"-" yaml:"-"`
}

// Spec converts the declaration for engine.Register.
func (d ResourceDecl) Spec() (engine.ResourceSpec, error) {
	v, err := ir.FromAny(d.Value)
	if err != nil {
		return engine.ResourceSpec{}, fmt.Errorf("resource %s: value: %w", d.Name, err)
	}
	return engine.ResourceSpec{
		Type:     d.Type,
		Pattern:  d.Pattern,
		Value:    v,
		Location: d.Location,
		Origin:   d.Origin,
	}, nil
}

// IntentDecl declares an intent. Bindings map binding names to resource
// names. Priority is a priority name and Timeout a duration string.
type IntentDecl struct {
	ID          string                   `json:"id" yaml:"id"`
	Domain      ir.DomainID              `json:"domain" yaml:"domain"`
	Priority    string                   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Timeout     string                   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DependsOn   []string                 `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Constraints []ir.TransformConstraint `json:"constraints" yaml:"constraints"`
	Bindings    map[string]string        `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Location    ir.LocationRequirements  `json:"location,omitempty" yaml:"location,omitempty"`
	Expected    any                      `json:"expected,omitempty" yaml:"expected,omitempty"`

	Line int `json:"-" yaml:"-"`
}

// Resolve builds the intent, looking bound resources up in ids.
func (d IntentDecl) Resolve(ids map[string]ir.ContentID) (ir.Intent, error) {
	prio, err := ir.ParsePriority(d.Priority)
	if err != nil {
		return ir.Intent{}, fmt.Errorf("intent %s: %w", d.ID, err)
	}
	intent := ir.Intent{
		ID:                   d.ID,
		Domain:               d.Domain,
		Constraints:          d.Constraints,
		ResourceBindings:     make(map[string]ir.ContentID, len(d.Bindings)),
		LocationRequirements: d.Location,
		Priority:             prio,
		Dependencies:         d.DependsOn,
	}
	if d.Timeout != "" {
		if intent.Timeout, err = time.ParseDuration(d.Timeout); err != nil {
			return ir.Intent{}, fmt.Errorf("intent %s: timeout: %w", d.ID, err)
		}
	}
	for binding, name := range d.Bindings {
		id, ok := ids[name]
		if !ok {
			return ir.Intent{}, fmt.Errorf("intent %s: binding %s: unknown resource %q", d.ID, binding, name)
		}
		intent.ResourceBindings[binding] = id
	}
	if d.Expected != nil {
		if intent.ExpectedResult, err = ir.FromAny(d.Expected); err != nil {
			return ir.Intent{}, fmt.Errorf("intent %s: expected: %w", d.ID, err)
		}
	}
	return intent, nil
}

// Resource returns the declaration named name.
func (w *Workload) Resource(name string) (ResourceDecl, bool) {
	for _, r := range w.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceDecl{}, false
}

// Intent returns the declaration with id.
func (w *Workload) Intent(id string) (IntentDecl, bool) {
	for _, in := range w.Intents {
		if in.ID == id {
			return in, true
		}
	}
	return IntentDecl{}, false
}
