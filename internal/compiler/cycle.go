package compiler

import (
	"fmt"
	"slices"
	"strings"
)

// CycleWarning describes intents that depend on each other. Such intents
// can never become ready, so Validate reports them as errors.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["a", "b", "a"]
	Message string   `json:"message"` // human-readable description
}

// DependencyReport is the result of AnalyzeDependencies.
type DependencyReport struct {
	// Order lists intent ids so that every intent follows its
	// dependencies; ties keep declaration order. Intents on a cycle are
	// left out.
	Order  []string       `json:"order"`
	Cycles []CycleWarning `json:"cycles"`
}

// AnalyzeDependencies orders a workload's intents for submission and finds
// dependency cycles with Tarjan's algorithm. Dependencies on undeclared
// intents are ignored here; Validate reports them.
func AnalyzeDependencies(w *Workload) DependencyReport {
	g := buildDependencyGraph(w)
	report := DependencyReport{Order: []string{}, Cycles: []CycleWarning{}}

	cyclic := make(map[string]bool)
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 || g.hasSelfLoop(scc[0]) {
			report.Cycles = append(report.Cycles, cycleWarning(scc, g))
			for _, id := range scc {
				cyclic[id] = true
			}
		}
	}

	// Kahn's algorithm over the acyclic remainder. Intents depending on a
	// cyclic intent never become ready either.
	done := make(map[string]bool, len(g.nodes))
	for progress := true; progress; {
		progress = false
		for _, id := range g.nodes {
			if done[id] || cyclic[id] {
				continue
			}
			ready := true
			for _, dep := range g.edges[id] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				report.Order = append(report.Order, id)
				progress = true
			}
		}
	}
	return report
}

// dependencyGraph maps an intent id to the intents it depends on. nodes
// keeps declaration order so results are deterministic.
type dependencyGraph struct {
	nodes []string
	edges map[string][]string
}

func buildDependencyGraph(w *Workload) dependencyGraph {
	g := dependencyGraph{edges: make(map[string][]string, len(w.Intents))}
	for _, in := range w.Intents {
		if _, ok := g.edges[in.ID]; ok {
			continue
		}
		g.nodes = append(g.nodes, in.ID)
		g.edges[in.ID] = []string{}
	}
	for _, in := range w.Intents {
		for _, dep := range in.DependsOn {
			if _, ok := g.edges[dep]; ok && !slices.Contains(g.edges[in.ID], dep) {
				g.edges[in.ID] = append(g.edges[in.ID], dep)
			}
		}
	}
	return g
}

func (g dependencyGraph) hasSelfLoop(node string) bool {
	return slices.Contains(g.edges[node], node)
}

// tarjanSCC returns the strongly connected components of g. Single-node
// components without a self-loop are not cycles.
func tarjanSCC(g dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
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

	for _, node := range g.nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func cycleWarning(scc []string, g dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		id := scc[0]
		return CycleWarning{
			Path:    []string{id, id},
			Message: fmt.Sprintf("intent %s depends on itself", id),
		}
	}
	path := cyclePath(scc, g)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("dependency cycle: %s", strings.Join(path, " -> ")),
	}
}

// cyclePath walks edges inside the component from its first declared
// member until it returns there.
func cyclePath(scc []string, g dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, id := range scc {
		members[id] = true
	}
	start := scc[0]
	for _, id := range g.nodes {
		if members[id] {
			start = id
			break
		}
	}

	path := []string{start}
	visited := map[string]bool{}
	for current := start; ; {
		visited[current] = true
		next := ""
		for _, w := range g.edges[current] {
			if members[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
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
