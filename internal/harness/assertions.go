package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// AssertionError is returned when an assertion fails. It carries the
// intent's slice of the trace for context.
type AssertionError struct {
	Type     string
	Intent   string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (intent %s)\n", e.Type, e.Intent)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nTrace:\n")
	for _, ev := range e.Trace {
		switch ev.Type {
		case EventEffect:
			fmt.Fprintf(&buf, "  [%d] %s %s@%s %s\n", ev.Seq, ev.Label, ev.EffectType, ev.Domain, ev.Status)
		case EventOutcome:
			fmt.Fprintf(&buf, "  [%d] outcome %s %s\n", ev.Seq, ev.State, ev.Error)
		}
	}
	return buf.String()
}

// evaluate runs one assertion against a completed result.
func evaluate(result *Result, a Assertion) error {
	trace := intentTrace(result.Trace, a.Intent)
	fail := func(expected, actual string) error {
		return &AssertionError{Type: a.Type, Intent: a.Intent, Expected: expected, Actual: actual, Trace: trace}
	}

	o, ok := result.Outcomes[a.Intent]
	if !ok {
		return fail("intent to have an outcome", "intent was never submitted")
	}

	switch a.Type {
	case AssertIntentState:
		if string(o.State) != a.State {
			return fail("state "+a.State, "state "+string(o.State))
		}

	case AssertOutputValue:
		want, err := ir.FromAny(a.Value)
		if err != nil {
			return fail(fmt.Sprintf("representable value %v", a.Value), err.Error())
		}
		got, ok := o.Values[a.Output]
		if !ok {
			return fail(fmt.Sprintf("output %s = %s", a.Output, render(want)), "output missing")
		}
		if !reflect.DeepEqual(want, got) {
			return fail(fmt.Sprintf("output %s = %s", a.Output, render(want)), render(got))
		}

	case AssertEffectCount:
		count := 0
		for _, ev := range trace {
			if ev.Type == EventEffect && (a.EffectType == "" || string(ev.EffectType) == a.EffectType) {
				count++
			}
		}
		if count != a.Count {
			what := "effects"
			if a.EffectType != "" {
				what = a.EffectType + " effects"
			}
			return fail(fmt.Sprintf("%d %s", a.Count, what), fmt.Sprintf("%d %s", count, what))
		}

	case AssertEffectOrder:
		return assertEffectOrder(trace, a, fail)

	case AssertErrorCode:
		code := ""
		if o.Err != nil {
			code = fault.CodeOf(o.Err)
		}
		if code != a.Code {
			return fail("error code "+a.Code, fmt.Sprintf("error code %q (%v)", code, o.Err))
		}

	default:
		return fail("known assertion type", a.Type)
	}
	return nil
}

// assertEffectOrder checks that the named steps ran in order. Steps need
// not be consecutive.
func assertEffectOrder(trace []TraceEvent, a Assertion, fail func(string, string) error) error {
	positions := make(map[string]int)
	for _, ev := range trace {
		if ev.Type != EventEffect {
			continue
		}
		for _, step := range a.Steps {
			if strings.HasSuffix(ev.Label, "/"+step) && positions[step] == 0 {
				positions[step] = int(ev.Seq)
			}
		}
	}

	for _, step := range a.Steps {
		if positions[step] == 0 {
			return fail(fmt.Sprintf("all steps present: %v", a.Steps), "missing step: "+step)
		}
	}
	for i := 1; i < len(a.Steps); i++ {
		prev, curr := a.Steps[i-1], a.Steps[i]
		if positions[prev] >= positions[curr] {
			return fail(fmt.Sprintf("steps in order: %v", a.Steps),
				fmt.Sprintf("%s (pos %d) should be before %s (pos %d)", prev, positions[prev], curr, positions[curr]))
		}
	}
	return nil
}

func intentTrace(trace []TraceEvent, intent string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Intent == intent {
			out = append(out, ev)
		}
	}
	return out
}

func render(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
