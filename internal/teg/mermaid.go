package teg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/causality/internal/ir"
)

// Mermaid renders the graph as a Mermaid flowchart. Effects are grouped by
// domain and named e0, e1, ... in insertion order; resources are r0, r1, ...
//
//	-->       dependency
//	-.->      continuation (labelled with its condition)
//	---|mode| access
//	==>       cross-domain
func (g *Graph) Mermaid() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	effectName := make(map[ir.ContentID]string, len(g.effectOrder))
	for i, id := range g.effectOrder {
		effectName[id] = fmt.Sprintf("e%d", i)
	}
	resourceName := make(map[ir.ContentID]string, len(g.resourceOrder))
	for i, id := range g.resourceOrder {
		resourceName[id] = fmt.Sprintf("r%d", i)
	}

	var b strings.Builder
	b.WriteString("flowchart TD\n")

	for _, d := range g.sortedDomains() {
		var members []ir.ContentID
		for _, id := range g.effectOrder {
			if g.effects[id].Domain == d {
				members = append(members, id)
			}
		}
		if len(members) == 0 {
			continue
		}
		fmt.Fprintf(&b, "  subgraph %s\n", mermaidText(string(d)))
		for _, id := range members {
			n := g.effects[id]
			fmt.Fprintf(&b, "    %s[\"%s (%s)\"]\n", effectName[id], mermaidText(n.Label), n.EffectType)
		}
		b.WriteString("  end\n")
	}

	for _, id := range g.resourceOrder {
		fmt.Fprintf(&b, "  %s[(\"%s\")]\n", resourceName[id], mermaidText(g.resources[id].ResourceType))
	}

	for _, from := range g.effectOrder {
		for _, to := range g.succ[from] {
			fmt.Fprintf(&b, "  %s --> %s\n", effectName[from], effectName[to])
		}
	}
	for _, from := range g.effectOrder {
		for _, e := range g.conts[from] {
			if e.Condition == "" {
				fmt.Fprintf(&b, "  %s -.-> %s\n", effectName[e.From], effectName[e.To])
			} else {
				fmt.Fprintf(&b, "  %s -.->|%s| %s\n", effectName[e.From], mermaidText(e.Condition), effectName[e.To])
			}
		}
	}
	for _, e := range g.access {
		fmt.Fprintf(&b, "  %s ---|%s| %s\n", effectName[e.From], e.Mode, resourceName[e.To])
	}
	for _, e := range g.cross {
		fmt.Fprintf(&b, "  %s ==> %s\n", effectName[e.From], effectName[e.To])
	}
	return b.String()
}

func (g *Graph) sortedDomains() []ir.DomainID {
	out := make([]ir.DomainID, 0, len(g.domains))
	for d := range g.domains {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

func mermaidText(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}
