package harness

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

func sampleResult() *Result {
	r := NewResult()
	r.addEvent(TraceEvent{Type: EventEffect, Intent: "move", Label: "move/0/lock_L1", EffectType: ir.EffectLock, Domain: "L1", Status: ir.EffectSuccess})
	r.addEvent(TraceEvent{Type: EventEffect, Intent: "move", Label: "move/1/migrate_x", EffectType: ir.EffectMigrate, Domain: "L2", Status: ir.EffectSuccess})
	r.addEvent(TraceEvent{Type: EventEffect, Intent: "move", Label: "move/2/compute_L2", EffectType: ir.EffectCompute, Domain: "L2", Status: ir.EffectSuccess})
	r.addEvent(TraceEvent{Type: EventOutcome, Intent: "move", State: engine.StateSuccess})
	r.addEvent(TraceEvent{Type: EventOutcome, Intent: "bad", State: engine.StateFailure, Error: "UNKNOWN_TRANSFORM"})

	r.Outcomes["move"] = engine.Outcome{
		IntentID: "move",
		State:    engine.StateSuccess,
		Values:   map[string]ir.Value{"z": ir.Int(42), "obj": ir.Object{"k": ir.String("v")}},
	}
	r.Outcomes["bad"] = engine.Outcome{
		IntentID: "bad",
		State:    engine.StateFailure,
		Err:      fault.Validation("definition", "registered transform", "cube", "no transform").WithCode("UNKNOWN_TRANSFORM"),
	}
	return r
}

func TestEvaluate_Pass(t *testing.T) {
	r := sampleResult()
	tests := []Assertion{
		{Type: AssertIntentState, Intent: "move", State: "success"},
		{Type: AssertIntentState, Intent: "bad", State: "failure"},
		{Type: AssertOutputValue, Intent: "move", Output: "z", Value: 42},
		{Type: AssertOutputValue, Intent: "move", Output: "obj", Value: map[string]any{"k": "v"}},
		{Type: AssertEffectCount, Intent: "move", Count: 3},
		{Type: AssertEffectCount, Intent: "move", EffectType: "migrate", Count: 1},
		{Type: AssertEffectCount, Intent: "bad", Count: 0},
		{Type: AssertEffectOrder, Intent: "move", Steps: []string{"lock_L1", "compute_L2"}},
		{Type: AssertErrorCode, Intent: "bad", Code: "UNKNOWN_TRANSFORM"},
	}
	for _, a := range tests {
		t.Run(a.Type+"/"+a.Intent, func(t *testing.T) {
			assert.NoError(t, evaluate(r, a))
		})
	}
}

func TestEvaluate_Fail(t *testing.T) {
	r := sampleResult()
	tests := []struct {
		name   string
		a      Assertion
		actual string
	}{
		{"unknown intent", Assertion{Type: AssertIntentState, Intent: "ghost", State: "success"}, "intent was never submitted"},
		{"wrong state", Assertion{Type: AssertIntentState, Intent: "bad", State: "success"}, "state failure"},
		{"wrong value", Assertion{Type: AssertOutputValue, Intent: "move", Output: "z", Value: 41}, "42"},
		{"missing output", Assertion{Type: AssertOutputValue, Intent: "move", Output: "q", Value: 1}, "output missing"},
		{"float value", Assertion{Type: AssertOutputValue, Intent: "move", Output: "z", Value: 1.5}, "floats are not representable"},
		{"count", Assertion{Type: AssertEffectCount, Intent: "move", EffectType: "compute", Count: 2}, "1 compute effects"},
		{"order", Assertion{Type: AssertEffectOrder, Intent: "move", Steps: []string{"compute_L2", "lock_L1"}}, "compute_L2 (pos 3) should be before lock_L1 (pos 1)"},
		{"missing step", Assertion{Type: AssertEffectOrder, Intent: "move", Steps: []string{"sync_L3"}}, "missing step: sync_L3"},
		{"code", Assertion{Type: AssertErrorCode, Intent: "move", Code: "UNKNOWN_TRANSFORM"}, `error code ""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluate(r, tt.a)
			require.Error(t, err)

			var ae *AssertionError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.a.Type, ae.Type)
			assert.Contains(t, ae.Actual, tt.actual)
		})
	}
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	r := sampleResult()
	err := evaluate(r, Assertion{Type: AssertIntentState, Intent: "move", State: "failure"})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: intent_state (intent move)")
	assert.Contains(t, msg, "Expected: state failure")
	assert.Contains(t, msg, "Actual: state success")
	assert.Contains(t, msg, "[1] move/0/lock_L1 lock@L1 success")
	assert.Contains(t, msg, "[4] outcome success")
	assert.NotContains(t, msg, "UNKNOWN_TRANSFORM", "only the asserted intent's trace is shown")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestResult_SeqIsTracePosition(t *testing.T) {
	r := sampleResult()
	for i, ev := range r.Trace {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}
