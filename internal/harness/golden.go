package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/causality/internal/ir"
)

// TraceSnapshot is the golden-file form of a scenario trace.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// canonical converts the snapshot to a Value for ir.MarshalCanonical.
// Empty fields are left out.
func (s *TraceSnapshot) canonical() ir.Object {
	trace := make(ir.Array, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.Object{
			"type":   ir.String(ev.Type),
			"intent": ir.String(ev.Intent),
			"seq":    ir.Int(ev.Seq),
		}
		set := func(key, v string) {
			if v != "" {
				obj[key] = ir.String(v)
			}
		}
		set("label", ev.Label)
		set("effect_type", string(ev.EffectType))
		set("domain", string(ev.Domain))
		set("status", string(ev.Status))
		set("state", string(ev.State))
		set("error", ev.Error)
		if len(ev.Outputs) > 0 {
			obj["outputs"] = ir.Object(ev.Outputs)
		}
		trace[i] = obj
	}
	return ir.Object{
		"scenario_name": ir.String(s.ScenarioName),
		"trace":         trace,
	}
}

// MarshalTrace returns the canonical JSON of a scenario trace.
func MarshalTrace(name string, trace []TraceEvent) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Trace: trace}
	return ir.MarshalCanonical(snapshot.canonical())
}

// RunWithGolden runs a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares a result's trace against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
