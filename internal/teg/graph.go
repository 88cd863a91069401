// Package teg is the temporal effect graph: a content-addressed multi-domain
// graph of effect nodes and resource nodes.
//
// Four edge kinds connect nodes:
//   - dependency (effect → effect): the successor may start only after the
//     predecessor reached success or waiting; this subgraph is kept acyclic
//   - continuation (effect → effect, optional condition): execution order,
//     may form cycles through explicit loops
//   - access (effect ↔ resource): read, consume or produce
//   - cross-domain (effect → effect): annotated with both domains, which must
//     belong to the graph's domain set
//
// Every id a node references is resolvable in the backing content store.
// Mutations are serialized per Graph.
package teg

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
)

// Error codes.
const (
	CodeCycleWouldForm = "CYCLE_WOULD_FORM"
	CodeNotFound       = store.CodeNotFound
	CodeUnknownDomain  = "UNKNOWN_DOMAIN"
	CodeTerminalStatus = "TERMINAL_STATUS"
	CodeUnresolved     = "UNRESOLVED_REFERENCE"
)

// EdgeKind distinguishes edge sets.
type EdgeKind string

const (
	EdgeDependency   EdgeKind = "dependency"
	EdgeContinuation EdgeKind = "continuation"
	EdgeAccess       EdgeKind = "access"
	EdgeCrossDomain  EdgeKind = "cross_domain"
)

// AccessMode is how an effect touches a resource.
type AccessMode string

const (
	AccessRead    AccessMode = "read"
	AccessConsume AccessMode = "consume"
	AccessProduce AccessMode = "produce"
)

// Edge is any graph edge. Only the fields relevant to Kind are set.
type Edge struct {
	Kind       EdgeKind     `json:"kind"`
	From       ir.ContentID `json:"from"`
	To         ir.ContentID `json:"to"`
	Condition  string       `json:"condition,omitempty"`
	Mode       AccessMode   `json:"mode,omitempty"`
	FromDomain ir.DomainID  `json:"from_domain,omitempty"`
	ToDomain   ir.DomainID  `json:"to_domain,omitempty"`
}

// Graph is a temporal effect graph.
//
// Thread-safety: all methods are safe for concurrent use.
type Graph struct {
	mu sync.RWMutex
	cs store.ContentStore

	domains map[ir.DomainID]struct{}

	effects     map[ir.ContentID]*ir.EffectNode
	effectOrder []ir.ContentID

	resources     map[ir.ContentID]*ir.ResourceNode
	resourceOrder []ir.ContentID

	succ  map[ir.ContentID][]ir.ContentID // dependency successors
	pred  map[ir.ContentID][]ir.ContentID // dependency predecessors
	conts map[ir.ContentID][]Edge         // continuation out-edges

	access []Edge
	cross  []Edge
}

// New creates an empty graph backed by cs. The initial domain set is
// domains; AddEffect and AddResource extend it.
func New(cs store.ContentStore, domains ...ir.DomainID) *Graph {
	g := &Graph{
		cs:        cs,
		domains:   make(map[ir.DomainID]struct{}),
		effects:   make(map[ir.ContentID]*ir.EffectNode),
		resources: make(map[ir.ContentID]*ir.ResourceNode),
		succ:      make(map[ir.ContentID][]ir.ContentID),
		pred:      make(map[ir.ContentID][]ir.ContentID),
		conts:     make(map[ir.ContentID][]Edge),
	}
	for _, d := range domains {
		g.domains[d] = struct{}{}
	}
	return g
}

// ContentStore returns the backing store.
func (g *Graph) ContentStore() store.ContentStore {
	return g.cs
}

// AddDomain adds d to the domain set.
func (g *Graph) AddDomain(d ir.DomainID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.domains[d] = struct{}{}
}

// HasDomain reports whether d is in the domain set.
func (g *Graph) HasDomain(d ir.DomainID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.domains[d]
	return ok
}

// EffectID returns the id node would be assigned.
func EffectID(node ir.EffectNode) (ir.ContentID, []byte, error) {
	data, id, err := ir.Canonicalize(node.IdentityRecord())
	if err != nil {
		return ir.ZeroID, nil, fault.Serialization("canonical-json", err)
	}
	return id, data, nil
}

// AddEffect stores the node's identity record in the content store and
// inserts the node. Adding a node whose id is already present returns the
// existing id.
func (g *Graph) AddEffect(ctx context.Context, node ir.EffectNode) (ir.ContentID, error) {
	id, data, err := EffectID(node)
	if err != nil {
		return ir.ZeroID, err
	}
	if err := g.cs.Put(ctx, id, data); err != nil {
		return ir.ZeroID, err
	}
	refs := slices.Concat(node.ResourcesAccessed, node.Inputs, node.ConsumedResources, node.Outputs)
	if node.Parent != nil {
		refs = append(refs, *node.Parent)
	}
	if err := g.resolvable(ctx, refs); err != nil {
		return ir.ZeroID, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.effects[id]; ok {
		return id, nil
	}
	n := cloneNode(node)
	n.ID = id
	if n.Status == "" {
		n.Status = ir.EffectPending
	}
	g.effects[id] = &n
	g.effectOrder = append(g.effectOrder, id)
	g.domains[n.Domain] = struct{}{}
	return id, nil
}

// AddResource inserts a resource node. The node's id must already be
// resolvable in the content store.
func (g *Graph) AddResource(ctx context.Context, node ir.ResourceNode) (ir.ContentID, error) {
	if err := g.resolvable(ctx, []ir.ContentID{node.ID}); err != nil {
		return ir.ZeroID, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.resources[node.ID]; !ok {
		n := node
		g.resources[node.ID] = &n
		g.resourceOrder = append(g.resourceOrder, node.ID)
	}
	g.domains[node.Domain] = struct{}{}
	return node.ID, nil
}

func (g *Graph) resolvable(ctx context.Context, ids []ir.ContentID) error {
	for _, id := range ids {
		ok, err := g.cs.Has(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Validation("reference", "resolvable id", id.String(),
				"id %s is not in the content store", id.Short()).WithCode(CodeUnresolved)
		}
	}
	return nil
}

// AddDependency records that to requires from. It fails with
// CYCLE_WOULD_FORM if from is reachable from to.
func (g *Graph) AddDependency(from, to ir.ContentID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireEffects(from, to); err != nil {
		return err
	}
	if slices.Contains(g.succ[from], to) {
		return nil
	}
	if from == to || g.reachable(to, from) {
		return fault.Validation("dependency", "acyclic", "cycle",
			"dependency %s -> %s would form a cycle", from.Short(), to.Short()).
			WithCode(CodeCycleWouldForm)
	}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
	return nil
}

// reachable reports whether dst is reachable from src over dependencies.
func (g *Graph) reachable(src, dst ir.ContentID) bool {
	seen := map[ir.ContentID]bool{src: true}
	stack := []ir.ContentID{src}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if v == dst {
			return true
		}
		for _, w := range g.succ[v] {
			if !seen[w] {
				seen[w] = true
				stack = append(stack, w)
			}
		}
	}
	return false
}

// LinkContinuation records that to runs after from completes, optionally
// guarded by cond.
func (g *Graph) LinkContinuation(from, to ir.ContentID, cond string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireEffects(from, to); err != nil {
		return err
	}
	for _, e := range g.conts[from] {
		if e.To == to && e.Condition == cond {
			return nil
		}
	}
	g.conts[from] = append(g.conts[from], Edge{Kind: EdgeContinuation, From: from, To: to, Condition: cond})
	return nil
}

// LinkAccess records that effect touches resource in mode.
func (g *Graph) LinkAccess(effect, resource ir.ContentID, mode AccessMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireEffects(effect); err != nil {
		return err
	}
	if _, ok := g.resources[resource]; !ok {
		return notFound("resource", resource)
	}
	e := Edge{Kind: EdgeAccess, From: effect, To: resource, Mode: mode}
	if !slices.Contains(g.access, e) {
		g.access = append(g.access, e)
	}
	return nil
}

// LinkCrossDomain records a cross-domain edge between two effects. Both
// endpoint domains must be in the domain set.
func (g *Graph) LinkCrossDomain(from, to ir.ContentID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.requireEffects(from, to); err != nil {
		return err
	}
	fd, td := g.effects[from].Domain, g.effects[to].Domain
	for _, d := range []ir.DomainID{fd, td} {
		if _, ok := g.domains[d]; !ok {
			return fault.Validation("domain", "known domain", string(d),
				"domain %s is not part of the graph", d).WithCode(CodeUnknownDomain)
		}
	}
	e := Edge{Kind: EdgeCrossDomain, From: from, To: to, FromDomain: fd, ToDomain: td}
	if !slices.Contains(g.cross, e) {
		g.cross = append(g.cross, e)
	}
	return nil
}

// SetStatus moves an effect to status. Terminal statuses are immutable.
func (g *Graph) SetStatus(id ir.ContentID, status ir.EffectStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.effects[id]
	if !ok {
		return notFound("effect", id)
	}
	if n.Status.IsTerminal() {
		if n.Status == status {
			return nil
		}
		return fault.Validation("status", "non-terminal", string(n.Status),
			"effect %s is already %s", id.Short(), n.Status).WithCode(CodeTerminalStatus)
	}
	n.Status = status
	return nil
}

// Complete records the effect's outputs and consumed resources and moves
// it to status. Outputs must be resolvable in the content store.
func (g *Graph) Complete(ctx context.Context, id ir.ContentID, status ir.EffectStatus, outputs, consumed []ir.ContentID) error {
	if err := g.resolvable(ctx, outputs); err != nil {
		return err
	}

	g.mu.Lock()
	n, ok := g.effects[id]
	if ok && !n.Status.IsTerminal() {
		n.Outputs = append(n.Outputs, outputs...)
		n.ConsumedResources = append(n.ConsumedResources, consumed...)
	}
	g.mu.Unlock()
	if !ok {
		return notFound("effect", id)
	}
	return g.SetStatus(id, status)
}

// CanStart reports whether every dependency of id is in a state that
// satisfies it.
func (g *Graph) CanStart(id ir.ContentID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.pred[id] {
		if !g.effects[p].Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// Effect returns a copy of the effect node.
func (g *Graph) Effect(id ir.ContentID) (ir.EffectNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.effects[id]
	if !ok {
		return ir.EffectNode{}, false
	}
	return cloneNode(*n), true
}

// Effects returns copies of every effect in insertion order.
func (g *Graph) Effects() []ir.EffectNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ir.EffectNode, len(g.effectOrder))
	for i, id := range g.effectOrder {
		out[i] = cloneNode(*g.effects[id])
	}
	return out
}

// Resource returns a copy of the resource node.
func (g *Graph) Resource(id ir.ContentID) (ir.ResourceNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.resources[id]
	if !ok {
		return ir.ResourceNode{}, false
	}
	return *n, true
}

// Resources returns every resource in insertion order.
func (g *Graph) Resources() []ir.ResourceNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ir.ResourceNode, len(g.resourceOrder))
	for i, id := range g.resourceOrder {
		out[i] = *g.resources[id]
	}
	return out
}

// Domains returns the domain set in sorted order.
func (g *Graph) Domains() []ir.DomainID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sortedDomains()
}

// Edges returns every edge: dependencies and continuations in source
// insertion order, then access and cross-domain edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, from := range g.effectOrder {
		for _, to := range g.succ[from] {
			out = append(out, Edge{Kind: EdgeDependency, From: from, To: to})
		}
	}
	for _, from := range g.effectOrder {
		out = append(out, g.conts[from]...)
	}
	out = append(out, g.access...)
	out = append(out, g.cross...)
	return out
}

// Predecessors returns the dependency predecessors of id.
func (g *Graph) Predecessors(id ir.ContentID) []ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.pred[id])
}

// Successors returns the dependency successors of id.
func (g *Graph) Successors(id ir.ContentID) []ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.succ[id])
}

func (g *Graph) requireEffects(ids ...ir.ContentID) error {
	for _, id := range ids {
		if _, ok := g.effects[id]; !ok {
			return notFound("effect", id)
		}
	}
	return nil
}

func notFound(what string, id ir.ContentID) error {
	return fault.Validation(what, "known "+what, id.String(),
		"%s %s not found", what, id.Short()).WithCode(CodeNotFound)
}

func cloneNode(n ir.EffectNode) ir.EffectNode {
	n.ResourcesAccessed = slices.Clone(n.ResourcesAccessed)
	n.ConsumedResources = slices.Clone(n.ConsumedResources)
	n.Inputs = slices.Clone(n.Inputs)
	n.Outputs = slices.Clone(n.Outputs)
	return n
}
