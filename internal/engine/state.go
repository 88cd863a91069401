package engine

import (
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/solver"
)

// State is an intent's lifecycle position.
type State string

const (
	StateSubmitted State = "submitted"
	StatePlanned   State = "planned"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// IsTerminal reports whether s is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Outcome is the result of a finished intent.
//
// Outputs maps each binding published by a successful step to its resource
// id. PartialOutputs lists the resources produced by successful steps that
// no other step depends on. FailedEffect is the first effect that failed.
type Outcome struct {
	IntentID       string                  `json:"intent_id"`
	State          State                   `json:"state"`
	Plan           *solver.Plan            `json:"plan,omitempty"`
	Effects        []ir.ContentID          `json:"effects"`
	Outputs        map[string]ir.ContentID `json:"outputs"`
	Values         map[string]ir.Value     `json:"-"`
	PartialOutputs []ir.ContentID          `json:"partial_outputs"`
	FailedEffect   *ir.ContentID           `json:"failed_effect,omitempty"`
	Err            error                   `json:"-"`
	Seq            int64                   `json:"seq"`
}

// ErrorKind returns the fault kind of the outcome's error, or "".
func (o Outcome) ErrorKind() fault.Kind {
	if o.Err == nil {
		return ""
	}
	return fault.KindOf(o.Err)
}
