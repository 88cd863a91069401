// Package solver compiles an intent's constraints into an ordered plan of
// effects.
//
// For every candidate execution domain the solver checks the location rule
// of each constraint, emits the constraint's effects, wires dependencies
// from resource bindings and estimates the plan's cost. Allowed locations
// filter candidates; the cheapest plan wins, with the optimization strategy,
// the preferred location and finally the lowest domain id breaking ties.
package solver

import (
	"fmt"
	"strings"

	"github.com/roach88/causality/internal/ir"
)

// Error codes.
const (
	CodeNoFeasibleDomain    = "NO_FEASIBLE_DOMAIN"
	CodeUnboundInput        = "UNBOUND_INPUT"
	CodeDuplicateOutput     = "DUPLICATE_OUTPUT"
	CodeUnknownResource     = "UNKNOWN_RESOURCE"
	CodeOrderingRequired    = "ORDERING_REQUIRED"
	CodeConsistencyConflict = "CONSISTENCY_CONFLICT"
	CodeCausalCycle         = "CAUSAL_CYCLE"
	CodeInvalidConstraint   = "INVALID_CONSTRAINT"
)

// Step is one effect of a plan. Index is the step's position; DependsOn
// refers to earlier positions.
type Step struct {
	Index      int                   `json:"index"`
	Label      string                `json:"label"`
	Type       ir.EffectType         `json:"type"`
	Domain     ir.DomainID           `json:"domain"`
	Constraint int                   `json:"constraint"`
	Definition string                `json:"definition,omitempty"`
	Inputs     []string              `json:"inputs,omitempty"`
	Output     string                `json:"output,omitempty"`
	Target     ir.DomainID           `json:"target,omitempty"`
	Strategy   *ir.MigrationStrategy `json:"strategy,omitempty"`
	Protocol   string                `json:"protocol,omitempty"`
	DependsOn  []int                 `json:"depends_on,omitempty"`
}

// MigrationSpec is a resource movement the plan performs.
type MigrationSpec struct {
	Binding  string               `json:"binding"`
	Source   ir.DomainID          `json:"source"`
	Target   ir.DomainID          `json:"target"`
	Strategy ir.MigrationStrategy `json:"strategy"`
	Protocol string               `json:"protocol,omitempty"`
}

// Cost is the estimated cost of a plan. Depth is the number of steps on
// the longest dependency chain.
type Cost struct {
	Compute       int64 `json:"compute"`
	Communication int64 `json:"communication"`
	Storage       int64 `json:"storage"`
	Access        int64 `json:"access"`
	Depth         int64 `json:"depth"`
	Total         int64 `json:"total"`
}

// Plan is the solver's output for one intent.
type Plan struct {
	IntentID   string          `json:"intent_id"`
	Domain     ir.DomainID     `json:"domain"`
	Steps      []Step          `json:"steps"`
	Migrations []MigrationSpec `json:"migrations"`
	Cost       Cost            `json:"cost"`
}

// Producer returns the index of the step that publishes binding, or -1.
func (p *Plan) Producer(binding string) int {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		if p.Steps[i].Output == binding {
			return i
		}
	}
	return -1
}

// Sinks returns the indices of steps no other step depends on.
func (p *Plan) Sinks() []int {
	used := make([]bool, len(p.Steps))
	for _, s := range p.Steps {
		for _, d := range s.DependsOn {
			used[d] = true
		}
	}
	var out []int
	for i, u := range used {
		if !u {
			out = append(out, i)
		}
	}
	return out
}

// String renders the plan one step per line.
func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s at %s (cost %d)\n", p.IntentID, p.Domain, p.Cost.Total)
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "  %d %s %s@%s", s.Index, s.Label, s.Type, s.Domain)
		if len(s.DependsOn) > 0 {
			fmt.Fprintf(&b, " after %v", s.DependsOn)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
