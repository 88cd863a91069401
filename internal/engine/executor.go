package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/causality/internal/adapter"
	"github.com/roach88/causality/internal/bridge"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/machine"
	"github.com/roach88/causality/internal/solver"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

// execution runs one intent's plan. It is owned by a single worker
// goroutine.
type execution struct {
	e      *Engine
	intent ir.Intent
	plan   *solver.Plan
	m      *machine.Machine
	quota  *quota
	holder string

	bindings  map[string]ir.ContentID
	values    map[string]ir.Value
	outputs   map[string]ir.ContentID
	effects   []ir.ContentID
	status    []ir.EffectStatus
	produced  [][]ir.ContentID
	transfers map[int]*bridge.StagedTransfer
}

// stepResult is what one effect produced and consumed.
type stepResult struct {
	outputs  []ir.ContentID
	consumed []ir.ContentID
}

func (e *Engine) newExecution(r *run) *execution {
	bindings := maps.Clone(r.intent.ResourceBindings)
	if bindings == nil {
		bindings = make(map[string]ir.ContentID)
	}
	return &execution{
		e:      e,
		intent: r.intent,
		plan:   r.plan,
		m: machine.New(
			machine.WithContentStore(e.cs),
			machine.WithNullifiers(e.nullifiers),
			machine.WithChannels(e.channels),
			machine.WithDomain(r.plan.Domain),
			machine.WithScope(r.intent.ID),
			machine.WithLogger(e.logger),
		),
		quota:     newQuota(e.maxAttempts),
		holder:    "intent:" + r.intent.ID,
		bindings:  bindings,
		values:    make(map[string]ir.Value),
		outputs:   make(map[string]ir.ContentID),
		effects:   make([]ir.ContentID, len(r.plan.Steps)),
		status:    make([]ir.EffectStatus, len(r.plan.Steps)),
		produced:  make([][]ir.ContentID, len(r.plan.Steps)),
		transfers: make(map[int]*bridge.StagedTransfer),
	}
}

// execute runs r's plan to a terminal state.
func (e *Engine) execute(ctx context.Context, r *run) {
	if r.intent.Timeout > 0 {
		deadline := r.submittedAt.Add(r.intent.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadlineCause(ctx, deadline,
			fault.Timeout("intent "+r.intent.ID, time.Since(r.submittedAt), r.intent.Timeout))
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "intent.execute", trace.WithAttributes(
		attribute.String("intent.id", r.intent.ID),
		attribute.String("intent.domain", string(r.plan.Domain)),
		attribute.Int("intent.steps", len(r.plan.Steps)),
	))

	x := e.newExecution(r)

	e.logger.Info("intent executing", "intent_id", r.intent.ID, "domain", r.plan.Domain, "steps", len(r.plan.Steps))

	failed := -1
	var runErr error
	for i := range r.plan.Steps {
		if ctx.Err() != nil {
			runErr = context.Cause(ctx)
			break
		}
		if err := x.step(ctx, r.plan.Steps[i]); err != nil {
			failed, runErr = i, err
			break
		}
	}

	x.cleanup()
	o := x.outcome(ctx, failed, runErr)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(o.State))
	}
	span.End()
	x.record(o)
	e.finish(r, o)
}

func (x *execution) outcome(ctx context.Context, failed int, runErr error) Outcome {
	o := Outcome{
		State:   StateSuccess,
		Plan:    x.plan,
		Outputs: x.outputs,
		Values:  x.values,
		Err:     runErr,
	}
	for _, id := range x.effects {
		if !id.IsZero() {
			o.Effects = append(o.Effects, id)
		}
	}
	if runErr == nil {
		return o
	}

	o.State = StateFailure
	if ctx.Err() != nil {
		o.State = stateForCause(context.Cause(ctx))
	}
	if failed >= 0 && !x.effects[failed].IsZero() {
		id := x.effects[failed]
		o.FailedEffect = &id
	}
	for _, sink := range x.plan.Sinks() {
		if x.status[sink] == ir.EffectSuccess {
			o.PartialOutputs = append(o.PartialOutputs, x.produced[sink]...)
		}
	}
	return o
}

// step records st in the effect graph and runs it under the retry policy.
func (x *execution) step(ctx context.Context, st solver.Step) error {
	e := x.e
	label := fmt.Sprintf("%s/%d/%s", x.intent.ID, st.Index, st.Label)

	inputs := make([]ir.ContentID, 0, len(st.Inputs))
	for _, name := range st.Inputs {
		id, ok := x.bindings[name]
		if !ok {
			return stepError(label, fault.Validation("input", "bound resource", name,
				"binding %q has no resource", name).WithCode(solver.CodeUnboundInput))
		}
		if err := x.load(id); err != nil {
			return stepError(label, err)
		}
		inputs = append(inputs, id)
	}

	id, err := e.graph.AddEffect(ctx, ir.EffectNode{
		Label:             label,
		EffectType:        st.Type,
		Domain:            st.Domain,
		ResourcesAccessed: inputs,
		Inputs:            inputs,
	})
	if err != nil {
		return stepError(label, err)
	}
	x.effects[st.Index] = id
	if err := x.link(st, id, inputs); err != nil {
		return stepError(label, err)
	}
	if err := e.graph.SetStatus(id, ir.EffectRunning); err != nil {
		return stepError(label, err)
	}

	ctx, span := e.tracer.Start(ctx, "effect."+string(st.Type), trace.WithAttributes(
		attribute.String("intent.id", x.intent.ID),
		attribute.String("effect.label", st.Label),
		attribute.String("effect.domain", string(st.Domain)),
		attribute.String("effect.id", id.String()),
	))
	defer span.End()

	start := time.Now()
	var res stepResult
	err = fault.Do(ctx, e.retry, func(ctx context.Context) error {
		if err := x.quota.Spend(x.intent.ID); err != nil {
			return err
		}
		var derr error
		res, derr = x.dispatch(ctx, st, inputs)
		return derr
	},
		fault.WithSleeper(e.sleeper),
		fault.WithLogger(e.logger),
		fault.WithOperation(label),
		fault.WithOnRetry(func(int, error, time.Duration) { e.metrics.Retried(string(st.Type)) }),
	)

	status := ir.EffectSuccess
	switch {
	case err == nil:
	case ctx.Err() != nil && stateForCause(context.Cause(ctx)) == StateTimeout:
		status = ir.EffectTimeout
	case ctx.Err() != nil:
		status = ir.EffectCancelled
	default:
		status = ir.EffectFailure
	}
	x.status[st.Index] = status
	x.produced[st.Index] = res.outputs

	if cerr := e.graph.Complete(context.WithoutCancel(ctx), id, status, res.outputs, res.consumed); cerr != nil {
		e.logger.Warn("complete effect", "effect", label, "err", cerr)
	}
	for _, c := range res.consumed {
		if lerr := e.graph.LinkAccess(id, c, teg.AccessConsume); lerr != nil {
			e.logger.Warn("link consumed resource", "effect", label, "resource", c.Short(), "err", lerr)
		}
	}
	for _, out := range res.outputs {
		if _, ok := e.graph.Resource(out); ok {
			if lerr := e.graph.LinkAccess(id, out, teg.AccessProduce); lerr != nil {
				e.logger.Warn("link produced resource", "effect", label, "resource", out.Short(), "err", lerr)
			}
		}
	}
	e.metrics.EffectExecuted(string(st.Type), string(status), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(status))
		e.logger.Warn("effect failed", "effect", label, "status", status, "err", err)
		return stepError(label, err)
	}
	e.logger.Debug("effect done", "effect", label, "outputs", len(res.outputs), "consumed", len(res.consumed))
	return nil
}

// link wires the effect to its predecessors and inputs.
func (x *execution) link(st solver.Step, id ir.ContentID, inputs []ir.ContentID) error {
	g := x.e.graph
	for _, dep := range st.DependsOn {
		from := x.effects[dep]
		if err := g.AddDependency(from, id); err != nil {
			return err
		}
		if x.plan.Steps[dep].Domain != st.Domain {
			if err := g.LinkCrossDomain(from, id); err != nil {
				return err
			}
		}
	}
	for _, in := range inputs {
		if _, ok := g.Resource(in); !ok {
			continue
		}
		if err := g.LinkAccess(id, in, teg.AccessRead); err != nil {
			return err
		}
	}
	return nil
}

// load places a catalogued resource in the intent's machine.
func (x *execution) load(id ir.ContentID) error {
	if _, ok := x.m.Register(id); ok {
		return nil
	}
	entry, ok := x.e.catalog.Entry(id)
	if !ok {
		return fault.Validation("resource", "catalogued resource", id.String(),
			"resource %s is unknown", id.Short()).WithCode(solver.CodeUnknownResource)
	}
	v, err := machine.FromIR(entry.Value)
	if err != nil {
		return fault.Serialization("machine-value", err)
	}
	return x.m.Load(id, "", v, entry.Resource.AccessPattern.IsLinear())
}

func (x *execution) dispatch(ctx context.Context, st solver.Step, inputs []ir.ContentID) (stepResult, error) {
	c := x.intent.Constraints[st.Constraint]
	switch st.Type {
	case ir.EffectCompute:
		return x.compute(ctx, st, inputs)
	case ir.EffectLock:
		return x.lock(ctx, st, c, inputs)
	case ir.EffectRetrieve:
		return stepResult{}, x.transfer(st).Retrieve(ctx)
	case ir.EffectStore:
		return stepResult{}, x.transfer(st).Store(ctx)
	case ir.EffectUnlock:
		return x.unlock(ctx, st, inputs)
	case ir.EffectMigrate:
		return x.migrate(ctx, st, inputs)
	case ir.EffectSync:
		return x.sync(ctx, st, c, inputs)
	}
	return stepResult{}, fault.Validation("type", "executable effect type", string(st.Type),
		"effect type %s cannot be executed", st.Type)
}

// compute applies the step's definition to its inputs. Inputs are read
// first and the linear ones consumed together only once the result is
// known, so a failing step leaves every input available.
func (x *execution) compute(ctx context.Context, st solver.Step, inputs []ir.ContentID) (stepResult, error) {
	fn, err := x.resolve(st.Definition)
	if err != nil {
		return stepResult{}, err
	}

	args := make([]ir.Value, len(inputs))
	var linear []ir.ContentID
	for i, id := range inputs {
		v, err := x.m.Peek(id)
		if err != nil {
			return stepResult{}, err
		}
		args[i] = machine.ToIR(v)
		if reg, _ := x.m.Register(id); reg.Linear {
			linear = append(linear, id)
		}
	}
	if err := x.m.CanConsume(linear); err != nil {
		return stepResult{}, err
	}
	result, err := fn(args)
	if err != nil {
		return stepResult{}, err
	}
	mv, err := machine.FromIR(result)
	if err != nil {
		return stepResult{}, fault.Serialization("machine-value", err)
	}

	var res stepResult
	if _, err := x.m.ConsumeAll(linear); err != nil {
		return res, err
	}
	for _, id := range linear {
		x.e.catalog.setState(id, ir.ResourceConsumed)
	}
	res.consumed = linear

	var out ir.ContentID
	if len(linear) > 0 {
		out, err = x.m.Allocate(ctx, "", mv)
	} else {
		out, err = x.m.AllocateShared(ctx, "", mv)
	}
	if err != nil {
		return res, err
	}
	if err := x.publish(ctx, st, out, mv.TypeName(), machine.ToIR(mv), len(linear) > 0); err != nil {
		return res, err
	}
	res.outputs = []ir.ContentID{out}
	return res, nil
}

// resolve returns the transform for definition. "deposit <mailbox> <token>
// <depositor>" deposits the summed inputs into a mailbox and yields the
// receipt.
func (x *execution) resolve(definition string) (Transform, error) {
	fields := strings.Fields(definition)
	if len(fields) == 0 || fields[0] != "deposit" || x.e.mailboxes == nil {
		return x.e.transforms.Resolve(definition)
	}
	if len(fields) != 4 {
		return nil, fault.Validation("definition", "deposit <mailbox> <token> <depositor>", definition,
			"malformed deposit definition").WithCode(CodeBadArgument)
	}
	mb, err := x.e.mailboxes.Get(fields[1])
	if err != nil {
		return nil, err
	}
	token, depositor := fields[2], fields[3]
	return func(args []ir.Value) (ir.Value, error) {
		amount, err := sumInts(args)
		if err != nil {
			return nil, err
		}
		n := int64(amount.(ir.Int))
		if n < 0 {
			return nil, fault.Validation("amount", "non-negative", fmt.Sprint(n), "deposit amount is negative").
				WithCode(CodeBadArgument)
		}
		rc := mb.Receive(depositor, token, uint64(n), uint64(x.e.clock.Now()))
		return ir.Object{
			"mailbox":   ir.String(rc.MailboxID),
			"depositor": ir.String(rc.Depositor),
			"token":     ir.String(rc.Token),
			"amount":    ir.Int(int64(rc.Amount)),
			"nonce":     ir.Int(int64(rc.Nonce)),
			"status":    ir.String(rc.Status.Kind),
		}, nil
	}, nil
}

// publish makes a produced value a catalogued resource at the step's domain
// and binds it to the step's output name.
func (x *execution) publish(ctx context.Context, st solver.Step, id ir.ContentID, typ string, v ir.Value, linear bool) error {
	e := x.e
	pattern := ir.ReadOnly()
	if linear {
		pattern = ir.Linear()
	}
	data, err := e.cs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.bridge.Store(ctx, id, st.Domain, data, map[string]string{"resource_type": typ, "intent_id": x.intent.ID}); err != nil {
		return err
	}
	e.catalog.add(Entry{
		Resource: ir.Resource{
			ID:              id,
			ResourceType:    typ,
			CurrentLocation: st.Domain,
			AccessPattern:   pattern,
			State:           ir.ResourceActive,
		},
		Value: v,
	})
	if _, err := e.graph.AddResource(ctx, ir.ResourceNode{ID: id, ResourceType: typ, Domain: st.Domain, AccessPattern: pattern}); err != nil {
		return err
	}
	if st.Output != "" {
		x.bindings[st.Output] = id
		x.outputs[st.Output] = id
		x.values[st.Output] = v
	}
	return nil
}

func (x *execution) location(id ir.ContentID, fallback ir.DomainID) ir.DomainID {
	if r, ok := x.e.catalog.Resource(id); ok && r.CurrentLocation != "" {
		return r.CurrentLocation
	}
	return fallback
}

// lock opens the staged transfer of a migration, or takes shared locks on a
// remote transform's inputs.
func (x *execution) lock(ctx context.Context, st solver.Step, c ir.TransformConstraint, inputs []ir.ContentID) (stepResult, error) {
	if c.Kind == ir.ConstraintDataMigration {
		if _, ok := x.transfers[st.Constraint]; ok {
			return stepResult{}, nil
		}
		t, err := x.e.bridge.BeginTransfer(ctx, bridge.TransferRequest{
			Resource:    inputs[0],
			Source:      st.Domain,
			Target:      st.Target,
			Strategy:    *st.Strategy,
			Metadata:    map[string]string{"intent_id": x.intent.ID},
			Holder:      x.holder,
			Transaction: x.holder,
		})
		if err != nil {
			return stepResult{}, err
		}
		x.transfers[st.Constraint] = t
		return stepResult{}, nil
	}
	for _, id := range inputs {
		if err := x.e.bridge.Lock(ctx, id, x.location(id, st.Domain), bridge.LockShared, x.holder, x.holder); err != nil {
			return stepResult{}, err
		}
	}
	return stepResult{}, nil
}

func (x *execution) transfer(st solver.Step) *bridge.StagedTransfer {
	return x.transfers[st.Constraint]
}

// unlock commits a staged migration. A move relocates the resource.
func (x *execution) unlock(ctx context.Context, st solver.Step, inputs []ir.ContentID) (stepResult, error) {
	t := x.transfer(st)
	res, err := t.Commit(ctx)
	if err != nil {
		return stepResult{}, err
	}
	delete(x.transfers, st.Constraint)
	id := inputs[0]
	if !res.SourceRetained {
		x.e.catalog.setLocation(id, st.Target)
	}
	if st.Output != "" {
		x.bindings[st.Output] = id
		x.outputs[st.Output] = id
		if entry, ok := x.e.catalog.Entry(id); ok {
			x.values[st.Output] = entry.Value
		}
	}
	return stepResult{outputs: []ir.ContentID{id}}, nil
}

// migrate moves one input of a remote transform to the step's target. The
// input's shared lock from the preceding lock step is handed to the
// transfer.
func (x *execution) migrate(ctx context.Context, st solver.Step, inputs []ir.ContentID) (stepResult, error) {
	id := inputs[0]
	src := x.location(id, st.Domain)
	if src == st.Target {
		return stepResult{}, nil
	}
	if err := x.e.bridge.Unlock(id, x.holder); err != nil {
		x.e.logger.Warn("release lock before migration", "resource", id.Short(), "holder", x.holder, "err", err)
	}
	res, err := x.e.bridge.Transfer(ctx, bridge.TransferRequest{
		Resource:    id,
		Source:      src,
		Target:      st.Target,
		Strategy:    *st.Strategy,
		Metadata:    map[string]string{"intent_id": x.intent.ID},
		Holder:      x.holder,
		Transaction: x.holder,
	})
	if err != nil {
		return stepResult{}, err
	}
	if !res.SourceRetained {
		x.e.catalog.setLocation(id, st.Target)
	}
	return stepResult{}, nil
}

// sync records the participant's observation. The fact is enriched with
// the domain's current block when an adapter serves the domain.
func (x *execution) sync(ctx context.Context, st solver.Step, c ir.TransformConstraint, inputs []ir.ContentID) (stepResult, error) {
	for _, id := range inputs {
		if _, err := x.m.Peek(id); err != nil {
			return stepResult{}, err
		}
	}
	fact := ir.Object{
		"domain":      ir.String(st.Domain),
		"consistency": ir.String(c.Consistency),
		"constraint":  ir.Int(int64(st.Constraint)),
		"seq":         ir.Int(x.e.clock.Tick()),
	}
	if x.e.adapters != nil {
		if a, err := x.e.adapters.Get(st.Domain); err == nil {
			facts, err := a.ObserveFact(ctx, adapter.FactQuery{Type: "block"})
			if err != nil {
				return stepResult{}, err
			}
			if len(facts) > 0 {
				fact["height"] = ir.Int(int64(facts[0].Height))
			}
		}
	}

	out, err := x.m.AllocateShared(ctx, "", machine.Data{Value: fact})
	if err != nil {
		return stepResult{}, err
	}
	if st.Output != "" {
		if err := x.publish(ctx, st, out, "data", fact, false); err != nil {
			return stepResult{}, err
		}
	}
	return stepResult{outputs: []ir.ContentID{out}}, nil
}

// record persists the intent's effects and dependency edges.
func (x *execution) record(o Outcome) {
	rs := x.e.records
	if rs == nil {
		return
	}
	ctx := context.Background()
	var errs []error
	for _, id := range o.Effects {
		node, ok := x.e.graph.Effect(id)
		if !ok {
			continue
		}
		errs = append(errs, rs.WriteEffect(ctx, store.EffectRecord{IntentID: x.intent.ID, Seq: x.e.clock.Tick(), Node: node}))
		for _, pred := range x.e.graph.Predecessors(id) {
			errs = append(errs, rs.WriteEdge(ctx, store.EdgeRecord{
				IntentID: x.intent.ID,
				From:     pred,
				To:       id,
				Kind:     string(teg.EdgeDependency),
			}))
		}
	}
	if err := errors.Join(errs...); err != nil {
		x.e.logger.Error("write effect records", "intent_id", x.intent.ID, "err", err)
	}
}

// cleanup aborts unfinished transfers and releases every lock the intent
// still holds.
func (x *execution) cleanup() {
	ctx := context.Background()
	for _, t := range x.transfers {
		t.Abort(ctx)
	}
	if n := x.e.bridge.Locks().ReleaseTransaction(x.holder); n > 0 {
		x.e.logger.Debug("released intent locks", "intent_id", x.intent.ID, "locks", n)
	}
}
