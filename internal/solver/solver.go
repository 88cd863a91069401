package solver

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// Catalog resolves bound resources to their current state.
type Catalog interface {
	Resource(id ir.ContentID) (ir.Resource, bool)
}

// CatalogFunc adapts a function to Catalog.
type CatalogFunc func(id ir.ContentID) (ir.Resource, bool)

func (f CatalogFunc) Resource(id ir.ContentID) (ir.Resource, bool) { return f(id) }

// Solver plans intents.
type Solver struct {
	catalog Catalog
	logger  *slog.Logger
}

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Solver) { s.logger = l }
}

// New returns a solver that looks up bound resources in catalog.
func New(catalog Catalog, opts ...Option) *Solver {
	s := &Solver{catalog: catalog, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanExecuteAt reports whether c may run when the intent executes at d:
// local transforms anywhere, remote transforms at their source or target,
// migrations at either end, syncs anywhere.
func CanExecuteAt(c ir.TransformConstraint, d ir.DomainID) bool {
	switch c.Kind {
	case ir.ConstraintRemoteTransform, ir.ConstraintDataMigration:
		return d == c.SourceLocation || d == c.TargetLocation
	}
	return true
}

type binding struct {
	producer int
	location ir.DomainID
	resource *ir.Resource
}

// Plan compiles intent into the cheapest feasible plan.
func (s *Solver) Plan(intent ir.Intent) (*Plan, error) {
	if len(intent.Constraints) == 0 {
		return nil, fault.Validation("constraints", "at least one constraint", "none",
			"intent %s has no constraints", intent.ID).WithCode(CodeInvalidConstraint)
	}
	for i, c := range intent.Constraints {
		if err := c.Validate(); err != nil {
			return nil, fault.Validation(fmt.Sprintf("constraints[%d]", i), "valid constraint", string(c.Kind),
				"intent %s: %v", intent.ID, err).WithCode(CodeInvalidConstraint)
		}
		if err := checkConsistency(c); err != nil {
			return nil, err
		}
	}

	resources := make(map[string]*ir.Resource, len(intent.ResourceBindings))
	for name, id := range intent.ResourceBindings {
		r, ok := s.catalog.Resource(id)
		if !ok {
			return nil, fault.Validation("resource_bindings."+name, "registered resource", id.Short(),
				"intent %s: resource %s bound to %q is unknown", intent.ID, id.Short(), name).WithCode(CodeUnknownResource)
		}
		resources[name] = &r
	}

	candidates := s.candidates(intent, resources)
	if len(candidates) == 0 {
		return nil, fault.Validation("location_requirements", "a feasible domain", "none",
			"intent %s cannot execute at any allowed domain", intent.ID).WithCode(CodeNoFeasibleDomain)
	}

	var (
		best    *Plan
		bestKey scoreKey
	)
	for _, d := range candidates {
		p, err := s.emit(intent, d, resources)
		if err != nil {
			return nil, err
		}
		p.Cost = estimate(p, intent, resources)
		key := score(p, intent.LocationRequirements)
		if best == nil || key.less(bestKey) {
			best, bestKey = p, key
		}
	}
	s.logger.Debug("intent planned",
		"intent_id", intent.ID,
		"domain", best.Domain,
		"steps", len(best.Steps),
		"cost", best.Cost.Total,
		"candidates", len(candidates),
	)
	return best, nil
}

// candidates lists the domains the intent may execute at, sorted. An intent
// with a domain runs only there; otherwise every domain it mentions is a
// candidate. Allowed filters; location rules filter.
func (s *Solver) candidates(intent ir.Intent, resources map[string]*ir.Resource) []ir.DomainID {
	var pool []ir.DomainID
	add := func(ds ...ir.DomainID) {
		for _, d := range ds {
			if d != "" && !slices.Contains(pool, d) {
				pool = append(pool, d)
			}
		}
	}
	if intent.Domain != "" {
		add(intent.Domain)
	} else {
		add(intent.LocationRequirements.Preferred)
		add(intent.LocationRequirements.Allowed...)
		for _, c := range intent.Constraints {
			add(c.SourceLocation, c.TargetLocation)
			add(c.Locations...)
		}
		for _, r := range resources {
			add(r.CurrentLocation)
		}
	}

	allowed := intent.LocationRequirements.Allowed
	out := pool[:0]
	for _, d := range pool {
		if len(allowed) > 0 && !slices.Contains(allowed, d) {
			continue
		}
		ok := true
		for _, c := range intent.Constraints {
			if !CanExecuteAt(c, d) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// emit builds the plan for execution at d.
func (s *Solver) emit(intent ir.Intent, d ir.DomainID, resources map[string]*ir.Resource) (*Plan, error) {
	p := &Plan{IntentID: intent.ID, Domain: d, Steps: []Step{}, Migrations: []MigrationSpec{}}
	bindings := make(map[string]*binding, len(resources))
	for name, r := range resources {
		bindings[name] = &binding{producer: -1, location: r.CurrentLocation, resource: r}
	}

	push := func(st Step) int {
		st.Index = len(p.Steps)
		slices.Sort(st.DependsOn)
		st.DependsOn = slices.Compact(st.DependsOn)
		p.Steps = append(p.Steps, st)
		return st.Index
	}

	for ci, c := range intent.Constraints {
		var inputDeps []int
		for _, in := range c.Inputs {
			b, ok := bindings[in]
			if !ok {
				return nil, fault.Validation(fmt.Sprintf("constraints[%d].inputs", ci), "bound or produced resource", in,
					"intent %s: input %q is neither bound nor produced by an earlier constraint", intent.ID, in).
					WithCode(CodeUnboundInput)
			}
			if b.producer >= 0 {
				inputDeps = append(inputDeps, b.producer)
			}
		}
		if c.Output != "" {
			if _, ok := bindings[c.Output]; ok {
				return nil, fault.Validation(fmt.Sprintf("constraints[%d].output", ci), "fresh binding name", c.Output,
					"intent %s: output %q is already bound", intent.ID, c.Output).WithCode(CodeDuplicateOutput)
			}
		}

		switch c.Kind {
		case ir.ConstraintLocalTransform:
			idx := push(Step{
				Label:      "compute",
				Type:       ir.EffectCompute,
				Domain:     d,
				Constraint: ci,
				Definition: c.Definition,
				Inputs:     c.Inputs,
				Output:     c.Output,
				DependsOn:  inputDeps,
			})
			publish(bindings, c.Output, idx, d)

		case ir.ConstraintRemoteTransform:
			src, tgt := c.SourceLocation, c.TargetLocation
			prev := push(Step{
				Label:      "lock_" + string(src),
				Type:       ir.EffectLock,
				Domain:     src,
				Constraint: ci,
				Inputs:     c.Inputs,
				Protocol:   c.Protocol,
				DependsOn:  inputDeps,
			})
			for _, in := range c.Inputs {
				b := bindings[in]
				if b.location == tgt {
					continue
				}
				strategy := ir.Copy()
				if b.resource != nil && b.resource.AccessPattern.IsLinear() {
					strategy = ir.Move()
				}
				prev = push(Step{
					Label:      "migrate_" + in,
					Type:       ir.EffectMigrate,
					Domain:     src,
					Constraint: ci,
					Inputs:     []string{in},
					Target:     tgt,
					Strategy:   &strategy,
					Protocol:   c.Protocol,
					DependsOn:  []int{prev},
				})
				p.Migrations = append(p.Migrations, MigrationSpec{Binding: in, Source: src, Target: tgt, Strategy: strategy, Protocol: c.Protocol})
				b.location = tgt
			}
			def := c.Definition
			if def == "" {
				def = "identity"
			}
			idx := push(Step{
				Label:      "compute_" + string(tgt),
				Type:       ir.EffectCompute,
				Domain:     tgt,
				Constraint: ci,
				Definition: def,
				Inputs:     c.Inputs,
				Output:     c.Output,
				Protocol:   c.Protocol,
				DependsOn:  []int{prev},
			})
			publish(bindings, c.Output, idx, tgt)

		case ir.ConstraintDataMigration:
			from, to := c.SourceLocation, c.TargetLocation
			in := c.Inputs[0]
			strategy := *c.Strategy
			base := Step{Constraint: ci, Inputs: []string{in}, Target: to, Strategy: &strategy, Protocol: c.Protocol}

			lock := base
			lock.Label, lock.Type, lock.Domain, lock.DependsOn = "lock_"+string(from), ir.EffectLock, from, inputDeps
			prev := push(lock)

			retrieve := base
			retrieve.Label, retrieve.Type, retrieve.Domain, retrieve.DependsOn = "retrieve_"+string(from), ir.EffectRetrieve, from, []int{prev}
			prev = push(retrieve)

			st := base
			st.Label, st.Type, st.Domain, st.DependsOn = "store_"+string(to), ir.EffectStore, to, []int{prev}
			prev = push(st)

			unlock := base
			unlock.Label, unlock.Type, unlock.Domain, unlock.DependsOn = "unlock_"+string(from), ir.EffectUnlock, from, []int{prev}
			unlock.Output = c.Output
			idx := push(unlock)

			p.Migrations = append(p.Migrations, MigrationSpec{Binding: in, Source: from, Target: to, Strategy: strategy, Protocol: c.Protocol})
			bindings[in].location = to
			bindings[in].producer = idx
			if c.Output != "" {
				bindings[c.Output] = &binding{producer: idx, location: to, resource: bindings[in].resource}
			}

		case ir.ConstraintDistributedSync:
			order, edges, err := syncOrder(c)
			if err != nil {
				return nil, err
			}
			at := make(map[ir.DomainID]int, len(order))
			var last int
			for i, loc := range order {
				deps := slices.Clone(inputDeps)
				switch c.Consistency {
				case ir.ConsistencyStrong:
					if i > 0 {
						deps = append(deps, at[order[i-1]])
					}
				case ir.ConsistencyCausal:
					for _, e := range edges {
						if e.After == loc {
							deps = append(deps, at[e.Before])
						}
					}
				}
				last = push(Step{
					Label:      "sync_" + string(loc),
					Type:       ir.EffectSync,
					Domain:     loc,
					Constraint: ci,
					Inputs:     c.Inputs,
					Protocol:   c.Protocol,
					DependsOn:  deps,
				})
				at[loc] = last
			}
			if c.Output != "" {
				p.Steps[last].Output = c.Output
				publish(bindings, c.Output, last, order[len(order)-1])
			}
		}
	}
	return p, nil
}

func publish(bindings map[string]*binding, name string, producer int, at ir.DomainID) {
	if name == "" {
		return
	}
	bindings[name] = &binding{producer: producer, location: at}
}

// checkConsistency rejects syncs whose participants disagree on the model.
func checkConsistency(c ir.TransformConstraint) error {
	if c.Kind != ir.ConstraintDistributedSync {
		return nil
	}
	for _, loc := range slices.Sorted(maps.Keys(c.ParticipantModels)) {
		if m := c.ParticipantModels[loc]; m != c.Consistency {
			return fault.Validation("participant_models."+string(loc), string(c.Consistency), string(m),
				"participant %s requires %s consistency, sync declares %s", loc, m, c.Consistency).
				WithCode(CodeConsistencyConflict)
		}
	}
	return nil
}

// syncOrder returns the order sync effects are emitted in and, for causal
// consistency, the happens-before edges among participants.
func syncOrder(c ir.TransformConstraint) ([]ir.DomainID, []ir.CausalEdge, error) {
	locs := dedupe(c.Locations)
	switch c.Consistency {
	case ir.ConsistencyStrong:
		if !isPermutation(c.Ordering, locs) {
			return nil, nil, fault.Validation("ordering", fmt.Sprintf("a total order of %v", locs), fmt.Sprint(c.Ordering),
				"strong consistency over %v requires an explicit total order of its participants", locs).
				WithCode(CodeOrderingRequired)
		}
		return slices.Clone(c.Ordering), nil, nil
	case ir.ConsistencyCausal:
		for _, e := range c.CausalOrder {
			if !slices.Contains(locs, e.Before) || !slices.Contains(locs, e.After) {
				return nil, nil, fault.Validation("causal_order", "edges between participants",
					fmt.Sprintf("%s->%s", e.Before, e.After), "causal edge %s->%s names a non-participant", e.Before, e.After).
					WithCode(CodeInvalidConstraint)
			}
		}
		order, err := causalOrder(locs, c.CausalOrder)
		return order, c.CausalOrder, err
	}
	return locs, nil, nil
}

// causalOrder topologically sorts participants, keeping declaration order
// among unrelated ones.
func causalOrder(locs []ir.DomainID, edges []ir.CausalEdge) ([]ir.DomainID, error) {
	indeg := make(map[ir.DomainID]int, len(locs))
	for _, e := range edges {
		indeg[e.After]++
	}
	var out []ir.DomainID
	done := make(map[ir.DomainID]bool, len(locs))
	for len(out) < len(locs) {
		progressed := false
		for _, l := range locs {
			if done[l] || indeg[l] > 0 {
				continue
			}
			done[l] = true
			out = append(out, l)
			for _, e := range edges {
				if e.Before == l {
					indeg[e.After]--
				}
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, fault.Validation("causal_order", "acyclic happens-before", "cycle",
				"causal order among %v has a cycle", locs).WithCode(CodeCausalCycle)
		}
	}
	return out, nil
}

func dedupe(ds []ir.DomainID) []ir.DomainID {
	var out []ir.DomainID
	for _, d := range ds {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

func isPermutation(order, set []ir.DomainID) bool {
	if len(order) != len(set) {
		return false
	}
	a, b := slices.Clone(order), slices.Clone(set)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
