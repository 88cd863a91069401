package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/causality/internal/adapter"
	"github.com/roach88/causality/internal/bridge"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/machine"
	"github.com/roach88/causality/internal/mailbox"
	"github.com/roach88/causality/internal/metrics"
	"github.com/roach88/causality/internal/session"
	"github.com/roach88/causality/internal/solver"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

// DefaultWorkers is the default worker pool size.
const DefaultWorkers = 4

const tracerName = "github.com/roach88/causality/internal/engine"

// Engine is the intent scheduler.
//
// Thread-safety model:
//   - Submit, Status, Await, Cancel, Register, Plan: safe from any goroutine
//   - Run: called from exactly one goroutine
type Engine struct {
	cs         store.ContentStore
	records    store.RecordStore
	bridge     *bridge.Bridge
	solver     *solver.Solver
	catalog    *Catalog
	transforms *Transforms
	mailboxes  *mailbox.Registry
	adapters   *adapter.Registry
	nullifiers *machine.NullifierSet
	channels   *session.Registry
	graph      *teg.Graph
	clock      *Clock
	ids        IDGenerator
	queue      *readyQueue

	workers     int
	retry       fault.RetryConfig
	sleeper     fault.Sleeper
	maxAttempts int

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	runs    map[string]*run
	blocked []*run
	stopped bool
	wg      sync.WaitGroup
}

// run is the scheduler's record of one intent. state, plan, cancel and
// outcome are guarded by Engine.mu.
type run struct {
	intent      ir.Intent
	seq         int64
	submittedAt time.Time
	plan        *solver.Plan
	state       State
	cancel      context.CancelCauseFunc
	outcome     Outcome
	done        chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecordStore persists effects, edges and outcomes of finished intents.
func WithRecordStore(rs store.RecordStore) Option {
	return func(e *Engine) { e.records = rs }
}

// WithBridge sets the resource bridge. The default bridge keeps domain
// storage in memory.
func WithBridge(b *bridge.Bridge) Option {
	return func(e *Engine) { e.bridge = b }
}

// WithTransforms replaces the compute definition registry.
func WithTransforms(t *Transforms) Option {
	return func(e *Engine) { e.transforms = t }
}

// WithMailboxes enables "deposit <mailbox> <token> <depositor>" compute
// definitions against reg.
func WithMailboxes(reg *mailbox.Registry) Option {
	return func(e *Engine) { e.mailboxes = reg }
}

// WithAdapters lets sync effects observe facts from the domains' adapters.
func WithAdapters(reg *adapter.Registry) Option {
	return func(e *Engine) { e.adapters = reg }
}

// WithNullifiers shares a nullifier set with other schedulers.
func WithNullifiers(ns *machine.NullifierSet) Option {
	return func(e *Engine) { e.nullifiers = ns }
}

// WithGraph records effects into g instead of a fresh graph.
func WithGraph(g *teg.Graph) Option {
	return func(e *Engine) { e.graph = g }
}

// WithClock sets the logical clock, for resuming after a restart.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the generator for intents submitted without an id.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithWorkers bounds how many intents execute at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetry sets the retry policy applied to every effect.
func WithRetry(cfg fault.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// WithSleeper replaces the sleeper used between retries.
func WithSleeper(s fault.Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// WithMaxAttempts bounds the effect attempts, retries included, one intent
// may make. Zero disables the bound.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets where spans go. The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// New creates a scheduler over the content store cs.
func New(cs store.ContentStore, opts ...Option) *Engine {
	e := &Engine{
		cs:          cs,
		catalog:     NewCatalog(),
		transforms:  NewTransforms(),
		nullifiers:  machine.NewNullifierSet(),
		channels:    session.NewRegistry("ch"),
		clock:       NewClock(),
		ids:         UUIDv7Generator{},
		queue:       newReadyQueue(),
		workers:     DefaultWorkers,
		retry:       fault.DefaultRetryConfig(),
		sleeper:     fault.SleepContext,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bridge == nil {
		e.bridge = bridge.New(bridge.NewMemoryStorage(), bridge.WithLogger(e.logger), bridge.WithMetrics(e.metrics))
	}
	if e.graph == nil {
		e.graph = teg.New(cs)
	}
	e.solver = solver.New(e.catalog, solver.WithLogger(e.logger))
	return e
}

// Catalog returns the resource catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Graph returns the effect graph every intent records into.
func (e *Engine) Graph() *teg.Graph { return e.graph }

// Bridge returns the resource bridge.
func (e *Engine) Bridge() *bridge.Bridge { return e.bridge }

// Nullifiers returns the nullifier set shared by every intent.
func (e *Engine) Nullifiers() *machine.NullifierSet { return e.nullifiers }

// Clock returns the logical clock.
func (e *Engine) Clock() *Clock { return e.clock }

// ContentStore returns the store resources and effects are addressed in.
func (e *Engine) ContentStore() store.ContentStore { return e.cs }

// Adapters returns the domain adapter registry, or nil.
func (e *Engine) Adapters() *adapter.Registry { return e.adapters }

// Records returns the record store, or nil.
func (e *Engine) Records() store.RecordStore { return e.records }

// ResourceSpec describes a resource to register. A zero Pattern means
// linear.
type ResourceSpec struct {
	Type     string           `json:"type" yaml:"type"`
	Pattern  ir.AccessPattern `json:"access_pattern" yaml:"access_pattern"`
	Value    ir.Value         `json:"-" yaml:"-"`
	Location ir.DomainID      `json:"location" yaml:"location"`
	Origin   string           `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Register records a resource: its genesis goes to the content store, its
// bytes to the bridge at its location, and it becomes bindable by intents.
// Registering the same genesis twice returns the existing resource.
func (e *Engine) Register(ctx context.Context, spec ResourceSpec) (ir.Resource, error) {
	if spec.Location == "" {
		return ir.Resource{}, fault.Validation("location", "domain id", "", "resource location is required")
	}
	if spec.Pattern.Kind == "" {
		spec.Pattern = ir.Linear()
	}
	if err := spec.Pattern.Validate(); err != nil {
		return ir.Resource{}, fault.Validation("access_pattern", "known pattern", string(spec.Pattern.Kind), "%v", err)
	}
	mv, err := machine.FromIR(spec.Value)
	if err != nil {
		return ir.Resource{}, fault.Validation("value", "machine value", "", "%v", err)
	}
	if spec.Type == "" {
		spec.Type = mv.TypeName()
	}

	data, id, err := ir.ResourceGenesis{
		ResourceType:  spec.Type,
		AccessPattern: spec.Pattern,
		Value:         spec.Value,
		Origin:        spec.Origin,
	}.Encode()
	if err != nil {
		return ir.Resource{}, fault.Serialization("canonical-json", err)
	}
	if existing, ok := e.catalog.Resource(id); ok {
		return existing, nil
	}
	if err := e.cs.Put(ctx, id, data); err != nil {
		return ir.Resource{}, err
	}
	if err := e.bridge.Store(ctx, id, spec.Location, data, map[string]string{"resource_type": spec.Type}); err != nil {
		return ir.Resource{}, err
	}

	r := ir.Resource{
		ID:              id,
		ResourceType:    spec.Type,
		CurrentLocation: spec.Location,
		AccessPattern:   spec.Pattern,
		State:           ir.ResourceActive,
	}
	e.catalog.add(Entry{Resource: r, Value: spec.Value})
	if _, err := e.graph.AddResource(ctx, ir.ResourceNode{
		ID:            id,
		ResourceType:  spec.Type,
		Domain:        spec.Location,
		AccessPattern: spec.Pattern,
	}); err != nil {
		return ir.Resource{}, err
	}
	e.logger.Info("resource registered",
		"resource", id.Short(),
		"type", spec.Type,
		"domain", spec.Location,
		"access", spec.Pattern.Kind,
	)
	return r, nil
}

// Plan solves intent without submitting it.
func (e *Engine) Plan(intent ir.Intent) (*solver.Plan, error) {
	return e.solver.Plan(intent)
}

// Submit admits intent and plans it. Intents without an id get a UUIDv7.
// Dependencies must name intents already submitted.
//
// A planning failure still registers the intent, in state failure, and
// returns its id together with the error.
func (e *Engine) Submit(ctx context.Context, intent ir.Intent) (string, error) {
	if intent.ID == "" {
		intent.ID = e.ids.Generate()
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", engineStopped()
	}
	if _, ok := e.runs[intent.ID]; ok {
		e.mu.Unlock()
		return "", duplicateIntent(intent.ID)
	}
	for _, dep := range intent.Dependencies {
		if _, ok := e.runs[dep]; !ok {
			e.mu.Unlock()
			return "", unknownIntent(dep)
		}
	}
	r := &run{
		intent:      intent,
		seq:         e.clock.Tick(),
		submittedAt: time.Now(),
		state:       StateSubmitted,
		done:        make(chan struct{}),
	}
	e.runs[intent.ID] = r
	e.mu.Unlock()

	e.metrics.IntentSubmitted()
	e.logger.Info("intent submitted",
		"intent_id", intent.ID,
		"priority", intent.Priority,
		"constraints", len(intent.Constraints),
		"dependencies", len(intent.Dependencies),
	)

	plan, err := e.solver.Plan(intent)
	if err != nil {
		e.finish(r, Outcome{State: StateFailure, Err: err})
		return intent.ID, err
	}

	e.mu.Lock()
	if r.state.IsTerminal() {
		e.mu.Unlock()
		return intent.ID, nil
	}
	r.plan = plan
	r.state = StatePlanned
	e.mu.Unlock()

	e.logger.Info("intent planned",
		"intent_id", intent.ID,
		"domain", plan.Domain,
		"steps", len(plan.Steps),
		"cost", plan.Cost.Total,
	)
	e.gate(r)
	return intent.ID, nil
}

// gate moves a planned intent to ready when its dependencies have
// succeeded, fails it when one ended otherwise, and parks it otherwise.
func (e *Engine) gate(r *run) {
	e.mu.Lock()
	ready, failedDep, depState := e.checkDepsLocked(r)
	switch {
	case failedDep != "":
		e.mu.Unlock()
		e.finish(r, Outcome{State: StateFailure, Err: dependencyFailed(r.intent.ID, failedDep, depState)})
		return
	case ready:
		r.state = StateReady
		e.mu.Unlock()
		if !e.queue.Push(r) {
			e.finish(r, Outcome{State: StateCancelled, Err: engineStopped()})
			return
		}
		e.metrics.SetQueueDepth(e.queue.Len())
		return
	}
	if !slices.Contains(e.blocked, r) {
		e.blocked = append(e.blocked, r)
	}
	e.mu.Unlock()
}

func (e *Engine) checkDepsLocked(r *run) (ready bool, failedDep string, depState State) {
	ready = true
	for _, dep := range r.intent.Dependencies {
		d := e.runs[dep]
		switch {
		case d.state == StateSuccess:
		case d.state.IsTerminal():
			return false, dep, d.state
		default:
			ready = false
		}
	}
	return ready, "", ""
}

// reviewBlocked re-gates parked intents after some intent finished.
func (e *Engine) reviewBlocked() {
	e.mu.Lock()
	pending := e.blocked
	e.blocked = nil
	e.mu.Unlock()

	for _, r := range pending {
		e.mu.Lock()
		terminal := r.state.IsTerminal()
		e.mu.Unlock()
		if !terminal {
			e.gate(r)
		}
	}
}

// Status returns the state of intent id.
func (e *Engine) Status(id string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return "", unknownIntent(id)
	}
	return r.state, nil
}

// Outcome returns the outcome of id if it has finished.
func (e *Engine) Outcome(id string) (Outcome, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return Outcome{}, false, unknownIntent(id)
	}
	if !r.state.IsTerminal() {
		return Outcome{}, false, nil
	}
	return r.outcome, true, nil
}

// Await blocks until intent id finishes or ctx is done.
func (e *Engine) Await(ctx context.Context, id string) (Outcome, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return Outcome{}, unknownIntent(id)
	}
	select {
	case <-r.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, context.Cause(ctx)
	}
}

// Cancel requests cancellation of intent id. An executing intent stops at
// its next suspension point; any other non-terminal intent is cancelled at
// once. Cancelling a finished intent is a no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok {
		e.mu.Unlock()
		return unknownIntent(id)
	}
	state, cancel := r.state, r.cancel
	e.mu.Unlock()

	switch {
	case state.IsTerminal():
	case state == StateExecuting:
		cancel(ErrCancelled)
	default:
		e.finish(r, Outcome{State: StateCancelled, Err: ErrCancelled})
	}
	e.logger.Info("intent cancel requested", "intent_id", id, "state", state)
	return nil
}

// Summary is a row of List.
type Summary struct {
	ID       string      `json:"id"`
	State    State       `json:"state"`
	Domain   ir.DomainID `json:"domain"`
	Priority ir.Priority `json:"priority"`
	Seq      int64       `json:"seq"`
}

// List returns every submitted intent in submission order.
func (e *Engine) List() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Summary, 0, len(e.runs))
	for id, r := range e.runs {
		out = append(out, Summary{ID: id, State: r.state, Domain: r.intent.Domain, Priority: r.intent.Priority, Seq: r.seq})
	}
	slices.SortFunc(out, func(a, b Summary) int { return int(a.Seq - b.Seq) })
	return out
}

// Run admits ready intents and executes them on the worker pool until ctx
// is done or Stop is called and the queue has drained. A worker slot is
// taken before an intent is popped, so the highest-priority ready intent
// always gets the next free slot. Run waits for executing intents before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(e.workers))
	e.logger.Info("scheduler starting", "workers", e.workers)
	defer e.wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			e.logger.Info("scheduler stopping", "reason", context.Cause(ctx))
			e.drain(context.Cause(ctx))
			return err
		}
		r, err := e.next(ctx)
		if err != nil {
			sem.Release(1)
			e.logger.Info("scheduler stopping", "reason", context.Cause(ctx))
			e.drain(context.Cause(ctx))
			return err
		}
		if r == nil {
			sem.Release(1)
			e.logger.Info("scheduler stopping", "reason", "stopped")
			return nil
		}
		e.metrics.SetQueueDepth(e.queue.Len())

		rctx, cancel := context.WithCancelCause(ctx)
		if !e.begin(r, cancel) {
			cancel(nil)
			sem.Release(1)
			continue
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer sem.Release(1)
			defer cancel(nil)
			e.execute(rctx, r)
		}()
	}
}

// next blocks until an intent is ready. It returns nil once the queue is
// closed and empty.
func (e *Engine) next(ctx context.Context) (*run, error) {
	for {
		if r, ok := e.queue.TryPop(); ok {
			return r, nil
		}
		if e.queue.Closed() {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.queue.Wait():
		}
	}
}

// begin moves a ready intent to executing. It reports false when the intent
// was cancelled while queued.
func (e *Engine) begin(r *run, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.state != StateReady {
		return false
	}
	r.state = StateExecuting
	r.cancel = cancel
	return true
}

// drain cancels every queued intent.
func (e *Engine) drain(cause error) {
	for {
		r, ok := e.queue.TryPop()
		if !ok {
			return
		}
		e.finish(r, Outcome{State: StateCancelled, Err: cause})
	}
}

// Stop refuses further submissions, cancels intents still waiting on
// dependencies and lets Run return once the queue drains.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	parked := e.blocked
	e.blocked = nil
	e.mu.Unlock()

	for _, r := range parked {
		e.finish(r, Outcome{State: StateCancelled, Err: engineStopped()})
	}
	e.queue.Close()
}

// finish records o as r's outcome unless r already finished.
func (e *Engine) finish(r *run, o Outcome) {
	e.mu.Lock()
	if r.state.IsTerminal() {
		e.mu.Unlock()
		return
	}
	o.IntentID = r.intent.ID
	if o.Plan == nil {
		o.Plan = r.plan
	}
	if o.Outputs == nil {
		o.Outputs = map[string]ir.ContentID{}
	}
	o.Seq = e.clock.Tick()
	r.state = o.State
	r.outcome = o
	e.mu.Unlock()

	e.metrics.IntentFinished(string(o.State))
	attrs := []any{"intent_id", o.IntentID, "state", o.State, "effects", len(o.Effects)}
	switch {
	case o.State == StateSuccess:
		e.logger.Info("intent finished", attrs...)
	case o.State == StateFailure:
		e.logger.Error("intent failed", append(attrs, "err", o.Err)...)
	default:
		e.logger.Warn("intent stopped", append(attrs, "err", o.Err)...)
	}
	e.writeOutcome(o)
	close(r.done)
	e.reviewBlocked()
}

func (e *Engine) writeOutcome(o Outcome) {
	if e.records == nil {
		return
	}
	rec := store.OutcomeRecord{
		IntentID:       o.IntentID,
		State:          string(o.State),
		PartialOutputs: o.PartialOutputs,
		FailedEffect:   o.FailedEffect,
		Seq:            o.Seq,
	}
	if o.Err != nil {
		rec.ErrorKind = string(fault.KindOf(o.Err))
		rec.ErrorCode = fault.CodeOf(o.Err)
		rec.ErrorMessage = o.Err.Error()
	}
	if err := e.records.WriteOutcome(context.Background(), rec); err != nil {
		e.logger.Error("write outcome", "intent_id", o.IntentID, "err", err)
	}
}

// stateForCause maps the cause of a cancelled context to a terminal state.
func stateForCause(cause error) State {
	if errors.Is(cause, context.DeadlineExceeded) || fault.KindOf(cause) == fault.KindTimeout {
		return StateTimeout
	}
	return StateCancelled
}
