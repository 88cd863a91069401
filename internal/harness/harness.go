package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/roach88/causality/internal/adapter"
	"github.com/roach88/causality/internal/compiler"
	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
)

// AwaitTimeout bounds the wait for each intent's outcome.
var AwaitTimeout = 10 * time.Second

// Run executes a scenario against a fresh engine and evaluates its
// assertions.
//
// Each run gets its own in-memory store and adapter registry. Resources are
// registered in declaration order, then intents are submitted so that each
// follows its dependencies. The trace is built from the effect graph
// intent by intent in submission order, so it does not depend on
// scheduling.
//
// An error is returned when the scenario cannot be run at all: the
// workload fails to compile or validate, a domain cannot be created, or an
// intent is rejected on submission. Failed assertions are reported in
// Result.Errors instead.
func Run(scenario *Scenario) (*Result, error) {
	w, err := scenarioWorkload(scenario)
	if err != nil {
		return nil, err
	}
	if errs := compiler.Validate(w); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, errors.Join(joined...)
	}

	reg := adapter.NewRegistry()
	defer reg.Close()
	for _, d := range scenario.Domains {
		if _, err := reg.Create(d); err != nil {
			return nil, fmt.Errorf("domain %s: %w", d.ID, err)
		}
	}

	eng := engine.New(store.NewMemory(),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithWorkers(1),
		engine.WithAdapters(reg),
		engine.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ids := make(map[string]ir.ContentID, len(w.Resources))
	for _, decl := range w.Resources {
		spec, err := decl.Spec()
		if err != nil {
			return nil, err
		}
		res, err := eng.Register(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("register resource %s: %w", decl.Name, err)
		}
		ids[decl.Name] = res.ID
	}

	order := compiler.AnalyzeDependencies(w).Order
	for _, id := range order {
		decl, _ := w.Intent(id)
		intent, err := decl.Resolve(ids)
		if err != nil {
			return nil, fmt.Errorf("intent %s: %w", id, err)
		}
		// A planning failure still records the intent; its outcome says why.
		if got, err := eng.Submit(ctx, intent); got == "" {
			return nil, fmt.Errorf("submit intent %s: %w", id, err)
		}
	}

	result := NewResult()
	for _, id := range order {
		o, err := awaitOutcome(ctx, eng, id)
		if err != nil {
			return nil, err
		}
		result.Outcomes[id] = o
		recordTrace(result, eng, o)

		decl, _ := w.Intent(id)
		if err := checkExpected(decl, o); err != nil {
			result.AddError(err.Error())
		}
	}

	for _, a := range scenario.Assertions {
		if err := evaluate(result, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

// scenarioWorkload compiles the scenario's workload file, if any, and
// appends the inline declarations.
func scenarioWorkload(s *Scenario) (*compiler.Workload, error) {
	w := &compiler.Workload{}
	if s.Workload != "" {
		compiled, err := compiler.CompileFile(s.Workload)
		if err != nil {
			return nil, err
		}
		w = compiled
	}
	w.Resources = append(w.Resources, s.Resources...)
	w.Intents = append(w.Intents, s.Intents...)
	return w, nil
}

func awaitOutcome(ctx context.Context, eng *engine.Engine, id string) (engine.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, AwaitTimeout)
	defer cancel()
	o, err := eng.Await(ctx, id)
	if err != nil {
		return o, fmt.Errorf("await intent %s: %w", id, err)
	}
	return o, nil
}

func recordTrace(result *Result, eng *engine.Engine, o engine.Outcome) {
	for _, effectID := range o.Effects {
		node, ok := eng.Graph().Effect(effectID)
		if !ok {
			continue
		}
		result.addEvent(TraceEvent{
			Type:       EventEffect,
			Intent:     o.IntentID,
			Label:      node.Label,
			EffectType: node.EffectType,
			Domain:     node.Domain,
			Status:     node.Status,
		})
	}

	ev := TraceEvent{
		Type:   EventOutcome,
		Intent: o.IntentID,
		State:  o.State,
	}
	if len(o.Values) > 0 {
		ev.Outputs = o.Values
	}
	if o.Err != nil {
		ev.Error = fault.CodeOf(o.Err)
		if ev.Error == "" {
			ev.Error = string(fault.KindOf(o.Err))
		}
	}
	result.addEvent(ev)
}

// checkExpected compares a successful intent's final output with the
// declared expected value.
func checkExpected(decl compiler.IntentDecl, o engine.Outcome) error {
	if decl.Expected == nil || len(decl.Constraints) == 0 {
		return nil
	}
	want, err := ir.FromAny(decl.Expected)
	if err != nil {
		return fmt.Errorf("intent %s: expected: %w", decl.ID, err)
	}
	if o.State != engine.StateSuccess {
		return fmt.Errorf("intent %s: expected %s, intent ended %s", decl.ID, render(want), o.State)
	}
	output := decl.Constraints[len(decl.Constraints)-1].Output
	got, ok := o.Values[output]
	if !ok {
		return fmt.Errorf("intent %s: expected %s, output %s missing", decl.ID, render(want), output)
	}
	if !reflect.DeepEqual(want, got) {
		return fmt.Errorf("intent %s: expected %s, got %s", decl.ID, render(want), render(got))
	}
	return nil
}
