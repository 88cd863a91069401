package harness

import (
	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/ir"
)

// Trace event types.
const (
	EventEffect  = "effect"
	EventOutcome = "outcome"
)

// TraceEvent is one entry of a scenario trace: an effect an intent ran, or
// the intent's final outcome.
type TraceEvent struct {
	Type       string              `json:"type"`
	Intent     string              `json:"intent"`
	Label      string              `json:"label,omitempty"`
	EffectType ir.EffectType       `json:"effect_type,omitempty"`
	Domain     ir.DomainID         `json:"domain,omitempty"`
	Status     ir.EffectStatus     `json:"status,omitempty"`
	State      engine.State        `json:"state,omitempty"`
	Outputs    map[string]ir.Value `json:"outputs,omitempty"`

	// Error is the fault code of a failed outcome, or its kind when the
	// error carries no code.
	Error string `json:"error,omitempty"`
	Seq   int64  `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists effects and outcomes intent by intent, in submission order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed assertion messages.
	Errors []string `json:"errors,omitempty"`

	// Outcomes maps intent ids to their final outcomes.
	Outcomes map[string]engine.Outcome `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Outcomes: make(map[string]engine.Outcome),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
