package teg

import (
	"slices"

	"github.com/roach88/causality/internal/ir"
)

// Cycles returns the cycles of the continuation subgraph. Each strongly
// connected component with more than one node is reported as a path that
// starts and ends at its lowest id.
func (g *Graph) Cycles() [][]ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	adj := g.continuationAdjacency()
	var cycles [][]ir.ContentID
	for _, scc := range tarjanSCC(g.effectOrder, adj) {
		if len(scc) > 1 {
			cycles = append(cycles, reconstructCyclePath(scc, adj))
		}
	}
	if cycles == nil {
		cycles = [][]ir.ContentID{}
	}
	return cycles
}

func (g *Graph) continuationAdjacency() map[ir.ContentID][]ir.ContentID {
	adj := make(map[ir.ContentID][]ir.ContentID, len(g.conts))
	for from, edges := range g.conts {
		for _, e := range edges {
			adj[from] = append(adj[from], e.To)
		}
	}
	return adj
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in the given order so the result is deterministic.
func tarjanSCC(nodes []ir.ContentID, adj map[ir.ContentID][]ir.ContentID) [][]ir.ContentID {
	var (
		index   = 0
		stack   []ir.ContentID
		indices = make(map[ir.ContentID]int)
		lowlink = make(map[ir.ContentID]int)
		onStack = make(map[ir.ContentID]bool)
		sccs    [][]ir.ContentID
	)

	var strongConnect func(ir.ContentID)
	strongConnect = func(v ir.ContentID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// Root node: pop the component.
		if lowlink[v] == indices[v] {
			var scc []ir.ContentID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, v := range nodes {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}

// reconstructCyclePath walks edges inside the component from its lowest id
// back to itself.
func reconstructCyclePath(scc []ir.ContentID, adj map[ir.ContentID][]ir.ContentID) []ir.ContentID {
	members := make(map[ir.ContentID]bool, len(scc))
	for _, v := range scc {
		members[v] = true
	}
	start := slices.MinFunc(scc, ir.ContentID.Compare)

	path := []ir.ContentID{start}
	visited := map[ir.ContentID]bool{}
	current := start
	for {
		visited[current] = true
		var next ir.ContentID
		found := false
		for _, w := range adj[current] {
			if members[w] && (!visited[w] || w == start) {
				next, found = w, true
				break
			}
		}
		if !found {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}

// topoOrder returns nodes in dependency order using Kahn's algorithm; ready
// nodes are taken in insertion order. Caller holds the lock.
func (g *Graph) topoOrder(nodes []ir.ContentID, include func(ir.ContentID) bool) []ir.ContentID {
	indeg := make(map[ir.ContentID]int, len(nodes))
	for _, v := range nodes {
		for _, p := range g.pred[v] {
			if include(p) {
				indeg[v]++
			}
		}
	}

	var order []ir.ContentID
	done := make(map[ir.ContentID]bool, len(nodes))
	for len(order) < len(nodes) {
		progressed := false
		for _, v := range nodes {
			if done[v] || indeg[v] > 0 {
				continue
			}
			done[v] = true
			order = append(order, v)
			progressed = true
			for _, w := range g.succ[v] {
				if include(w) {
					indeg[w]--
				}
			}
			break
		}
		if !progressed {
			break
		}
	}
	return order
}

// TopologicalOrder returns every effect in dependency order. Independent
// effects keep insertion order.
func (g *Graph) TopologicalOrder() []ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoOrder(g.effectOrder, func(ir.ContentID) bool { return true })
}

// CriticalPath returns the longest dependency path from an entry to an
// exit, counted in effects. Ties prefer the lowest predecessor id and the
// lowest endpoint id.
func (g *Graph) CriticalPath() []ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	order := g.topoOrder(g.effectOrder, func(ir.ContentID) bool { return true })
	dist := make(map[ir.ContentID]int, len(order))
	prev := make(map[ir.ContentID]*ir.ContentID, len(order))
	for _, v := range order {
		dist[v] = 1
		for _, p := range g.pred[v] {
			better := dist[p]+1 > dist[v]
			tie := dist[p]+1 == dist[v] && prev[v] != nil && p.Compare(*prev[v]) < 0
			if better || tie {
				dist[v] = dist[p] + 1
				pp := p
				prev[v] = &pp
			}
		}
	}

	var end *ir.ContentID
	for _, v := range order {
		if len(g.succ[v]) > 0 {
			continue
		}
		if end == nil || dist[v] > dist[*end] || (dist[v] == dist[*end] && v.Compare(*end) < 0) {
			vv := v
			end = &vv
		}
	}
	if end == nil {
		return []ir.ContentID{}
	}

	path := []ir.ContentID{*end}
	for cur := prev[*end]; cur != nil; cur = prev[*cur] {
		path = append(path, *cur)
	}
	slices.Reverse(path)
	return path
}

// Paths enumerates simple continuation paths from from to to with at most
// maxDepth edges.
func (g *Graph) Paths(from, to ir.ContentID, maxDepth int) [][]ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := [][]ir.ContentID{}
	onPath := map[ir.ContentID]bool{from: true}
	path := []ir.ContentID{from}

	var walk func(v ir.ContentID)
	walk = func(v ir.ContentID) {
		for _, e := range g.conts[v] {
			w := e.To
			if len(path) > maxDepth {
				return
			}
			if w == to {
				out = append(out, append(slices.Clone(path), w))
				continue
			}
			if onPath[w] {
				continue
			}
			onPath[w] = true
			path = append(path, w)
			walk(w)
			path = path[:len(path)-1]
			onPath[w] = false
		}
	}
	walk(from)
	return out
}

// ResourceFlow orders the effects that touch resource: effects connected by
// dependencies among themselves come first in topological order, the rest
// follow in insertion order.
func (g *Graph) ResourceFlow(resource ir.ContentID) []ir.ContentID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	touching := map[ir.ContentID]bool{}
	for _, e := range g.access {
		if e.To == resource {
			touching[e.From] = true
		}
	}
	for _, id := range g.effectOrder {
		if slices.Contains(g.effects[id].ResourcesAccessed, resource) {
			touching[id] = true
		}
	}

	var connected, loose []ir.ContentID
	for _, id := range g.effectOrder {
		if !touching[id] {
			continue
		}
		linked := slices.ContainsFunc(g.pred[id], func(p ir.ContentID) bool { return touching[p] }) ||
			slices.ContainsFunc(g.succ[id], func(s ir.ContentID) bool { return touching[s] })
		if linked {
			connected = append(connected, id)
		} else {
			loose = append(loose, id)
		}
	}

	inSet := func(id ir.ContentID) bool { return touching[id] }
	return append(g.topoOrder(connected, inSet), loose...)
}

// Crossing is a pair of effects in different domains joined by an edge.
type Crossing struct {
	From       ir.ContentID `json:"from"`
	To         ir.ContentID `json:"to"`
	FromDomain ir.DomainID  `json:"from_domain"`
	ToDomain   ir.DomainID  `json:"to_domain"`
}

// DomainCrossings returns explicit cross-domain edges followed by
// dependency edges whose endpoints live in different domains.
func (g *Graph) DomainCrossings() []Crossing {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []Crossing{}
	seen := map[[2]ir.ContentID]bool{}
	add := func(from, to ir.ContentID) {
		key := [2]ir.ContentID{from, to}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Crossing{
			From: from, To: to,
			FromDomain: g.effects[from].Domain,
			ToDomain:   g.effects[to].Domain,
		})
	}
	for _, e := range g.cross {
		add(e.From, e.To)
	}
	for _, from := range g.effectOrder {
		for _, to := range g.succ[from] {
			if g.effects[from].Domain != g.effects[to].Domain {
				add(from, to)
			}
		}
	}
	return out
}

// Metrics summarizes the size and shape of a graph.
type Metrics struct {
	Effects         int `json:"effects"`
	Resources       int `json:"resources"`
	Domains         int `json:"domains"`
	Dependencies    int `json:"dependencies"`
	Continuations   int `json:"continuations"`
	AccessEdges     int `json:"access_edges"`
	DomainCrossings int `json:"domain_crossings"`
	CriticalPath    int `json:"critical_path"`
	Cycles          int `json:"cycles"`
	MaxFanOut       int `json:"max_fan_out"`
	MaxFanIn        int `json:"max_fan_in"`
}

// ComplexityMetrics computes Metrics.
func (g *Graph) ComplexityMetrics() Metrics {
	crossings := len(g.DomainCrossings())
	critical := len(g.CriticalPath())
	cycles := len(g.Cycles())

	g.mu.RLock()
	defer g.mu.RUnlock()
	m := Metrics{
		Effects:         len(g.effects),
		Resources:       len(g.resources),
		Domains:         len(g.domains),
		AccessEdges:     len(g.access),
		DomainCrossings: crossings,
		CriticalPath:    critical,
		Cycles:          cycles,
	}
	for _, id := range g.effectOrder {
		m.Dependencies += len(g.succ[id])
		m.Continuations += len(g.conts[id])
		m.MaxFanOut = max(m.MaxFanOut, len(g.succ[id]))
		m.MaxFanIn = max(m.MaxFanIn, len(g.pred[id]))
	}
	return m
}
