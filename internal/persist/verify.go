package persist

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

// Severity ranks an integrity issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	}
	return 2
}

// IssueType classifies an integrity issue.
type IssueType string

const (
	IssueCorruptedData          IssueType = "corrupted_data"
	IssueMissingDependency      IssueType = "missing_dependency"
	IssueInvalidChecksum        IssueType = "invalid_checksum"
	IssueInconsistentReferences IssueType = "inconsistent_references"
	IssueTemporalViolation      IssueType = "temporal_violation"
	IssueLinearityViolation     IssueType = "linearity_violation"
)

// Issue is one finding of a verification.
type Issue struct {
	Type        IssueType   `json:"type"`
	Severity    Severity    `json:"severity"`
	Domain      ir.DomainID `json:"domain,omitempty"`
	Node        string      `json:"node,omitempty"`
	Description string      `json:"description"`
}

// Report is the result of a verification. It is valid when no issue is
// critical.
type Report struct {
	Valid                 bool          `json:"valid"`
	Issues                []Issue       `json:"issues"`
	DomainsVerified       []ir.DomainID `json:"domains_verified"`
	CrossDomainConsistent bool          `json:"cross_domain_consistent"`
	TemporalConsistent    bool          `json:"temporal_consistent"`
	SnapshotIntegrity     bool          `json:"snapshot_integrity"`
}

// Count returns how many issues have severity s.
func (r Report) Count(s Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == s {
			n++
		}
	}
	return n
}

// Has reports whether an issue of type t was found.
func (r Report) Has(t IssueType) bool {
	return slices.ContainsFunc(r.Issues, func(i Issue) bool { return i.Type == t })
}

type verifier struct {
	issues []Issue
}

func (v *verifier) add(t IssueType, s Severity, d ir.DomainID, node string, format string, args ...any) {
	v.issues = append(v.issues, Issue{
		Type:        t,
		Severity:    s,
		Domain:      d,
		Node:        node,
		Description: fmt.Sprintf(format, args...),
	})
}

func (v *verifier) report(domains []ir.DomainID) Report {
	slices.SortStableFunc(v.issues, func(a, b Issue) int {
		return cmp.Or(
			cmp.Compare(a.Severity.rank(), b.Severity.rank()),
			cmp.Compare(a.Domain, b.Domain),
			cmp.Compare(a.Node, b.Node),
			cmp.Compare(a.Description, b.Description),
		)
	})
	r := Report{
		Valid:                 true,
		Issues:                v.issues,
		DomainsVerified:       domains,
		CrossDomainConsistent: true,
		TemporalConsistent:    true,
		SnapshotIntegrity:     true,
	}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	for _, issue := range r.Issues {
		if issue.Severity != SeverityCritical {
			continue
		}
		r.Valid = false
		switch issue.Type {
		case IssueInconsistentReferences, IssueMissingDependency:
			r.CrossDomainConsistent = false
		case IssueTemporalViolation, IssueLinearityViolation:
			r.TemporalConsistent = false
		case IssueInvalidChecksum, IssueCorruptedData:
			r.SnapshotIntegrity = false
		}
	}
	return r
}

type located[T any] struct {
	domain ir.DomainID
	node   T
}

// Verify checks st for content integrity, cross-domain references, temporal
// order and linearity. When cs is non-nil every resource must also load
// from it with a matching hash.
func Verify(ctx context.Context, st *State, cs store.ContentStore) Report {
	v := &verifier{}
	v.verifyState(ctx, st, cs)
	return v.report(st.Domains())
}

func (v *verifier) verifyState(ctx context.Context, st *State, cs store.ContentStore) {
	effects := make(map[ir.ContentID]located[ir.EffectNode])
	resources := make(map[ir.ContentID]located[ir.Resource])

	for _, d := range st.Domains() {
		ds, _ := st.Domain(d)
		if len(ds.Effects) == 0 && len(ds.Resources) == 0 {
			v.add(IssueMissingDependency, SeverityInfo, d, "", "domain has no effects or resources")
		}
		for _, key := range sortedKeys(ds.Effects) {
			node := ds.Effects[key]
			want, _, err := teg.EffectID(node)
			switch {
			case err != nil:
				v.add(IssueCorruptedData, SeverityCritical, d, key, "effect cannot be hashed: %v", err)
			case want != node.ID || key != node.ID.String():
				v.add(IssueCorruptedData, SeverityCritical, d, key, "effect %q hashes to %s", node.Label, want.Short())
			}
			if node.Domain != d {
				v.add(IssueInconsistentReferences, SeverityCritical, d, key, "effect ran in %s but is stored under %s", node.Domain, d)
			}
			if prev, dup := effects[node.ID]; dup {
				v.add(IssueInconsistentReferences, SeverityCritical, d, key, "effect also stored under %s", prev.domain)
			}
			effects[node.ID] = located[ir.EffectNode]{d, node}
		}
		for _, key := range sortedKeys(ds.Resources) {
			entry := ds.Resources[key]
			res := entry.Resource
			if got := ir.ObjectID([]byte(entry.Content)); got != res.ID || key != res.ID.String() {
				v.add(IssueCorruptedData, SeverityCritical, d, key, "resource content hashes to %s", got.Short())
			}
			if res.CurrentLocation != d {
				v.add(IssueInconsistentReferences, SeverityCritical, d, key, "resource located at %s but stored under %s", res.CurrentLocation, d)
			}
			if prev, dup := resources[res.ID]; dup {
				v.add(IssueInconsistentReferences, SeverityCritical, d, key, "resource also stored under %s", prev.domain)
			}
			resources[res.ID] = located[ir.Resource]{d, res}
			if cs != nil {
				v.checkContent(ctx, cs, d, res.ID)
			}
		}
	}

	v.checkEffectRefs(effects, resources)
	v.checkRelationships(st, effects, resources)
	v.checkTemporal(st, effects)
	v.checkLinearity(effects, resources)
	v.checkIntents(st, effects)
}

func (v *verifier) checkContent(ctx context.Context, cs store.ContentStore, d ir.DomainID, id ir.ContentID) {
	_, err := cs.Get(ctx, id)
	switch {
	case err == nil:
	case store.IsNotFound(err):
		v.add(IssueMissingDependency, SeverityWarning, d, id.String(), "resource content is not in the content store")
	default:
		v.add(IssueCorruptedData, SeverityCritical, d, id.String(), "resource content failed to load: %v", err)
	}
}

func (v *verifier) checkEffectRefs(effects map[ir.ContentID]located[ir.EffectNode], resources map[ir.ContentID]located[ir.Resource]) {
	for _, id := range sortedIDs(effects) {
		loc := effects[id]
		node := loc.node
		if node.Parent != nil {
			if _, ok := effects[*node.Parent]; !ok {
				v.add(IssueMissingDependency, SeverityWarning, loc.domain, id.String(), "parent effect %s is not in the state", node.Parent.Short())
			}
		}
		refs := slices.Concat(node.ResourcesAccessed, node.ConsumedResources)
		for _, ref := range slices.Compact(ir.SortIDs(refs)) {
			if _, ok := resources[ref]; !ok {
				v.add(IssueMissingDependency, SeverityInfo, loc.domain, id.String(), "resource %s is not in the state", ref.Short())
			}
		}
	}
}

func (v *verifier) checkRelationships(st *State, effects map[ir.ContentID]located[ir.EffectNode], resources map[ir.ContentID]located[ir.Resource]) {
	crossed := make(map[[2]ir.ContentID]bool)
	for _, d := range st.Domains() {
		ds, _ := st.Domain(d)
		for _, rel := range ds.TemporalRelationships {
			if rel.Kind == teg.EdgeCrossDomain {
				crossed[[2]ir.ContentID{rel.From, rel.To}] = true
			}
		}
	}

	for _, d := range st.Domains() {
		ds, _ := st.Domain(d)
		for _, rel := range ds.TemporalRelationships {
			node := rel.From.String()
			from, fromOK := effects[rel.From]
			if !fromOK {
				v.add(IssueMissingDependency, SeverityCritical, d, node, "%s edge starts at unknown effect %s", rel.Kind, rel.From.Short())
				continue
			}
			if rel.Kind == teg.EdgeAccess {
				if _, ok := resources[rel.To]; !ok {
					v.add(IssueMissingDependency, SeverityInfo, d, node, "access edge to resource %s not in the state", rel.To.Short())
				}
				continue
			}
			to, toOK := effects[rel.To]
			if !toOK {
				v.add(IssueMissingDependency, SeverityCritical, d, node, "%s edge ends at unknown effect %s", rel.Kind, rel.To.Short())
				continue
			}
			switch rel.Kind {
			case teg.EdgeCrossDomain:
				if from.domain == to.domain {
					v.add(IssueInconsistentReferences, SeverityWarning, d, node, "cross-domain edge to %s stays in %s", rel.To.Short(), from.domain)
				}
				if rel.FromDomain != from.domain || rel.ToDomain != to.domain {
					v.add(IssueInconsistentReferences, SeverityCritical, d, node, "cross-domain edge records %s→%s, effects are in %s→%s",
						rel.FromDomain, rel.ToDomain, from.domain, to.domain)
				}
			case teg.EdgeDependency:
				if from.domain != to.domain && !crossed[[2]ir.ContentID{rel.From, rel.To}] {
					v.add(IssueInconsistentReferences, SeverityWarning, d, node, "dependency on %s crosses from %s to %s without a cross-domain edge",
						rel.To.Short(), from.domain, to.domain)
				}
			}
		}
	}
}

// checkTemporal requires the dependency subgraph to be acyclic and every
// successful effect to have only successful predecessors.
func (v *verifier) checkTemporal(st *State, effects map[ir.ContentID]located[ir.EffectNode]) {
	succ := make(map[ir.ContentID][]ir.ContentID)
	indeg := make(map[ir.ContentID]int)
	seen := make(map[[2]ir.ContentID]bool)
	for _, d := range st.Domains() {
		ds, _ := st.Domain(d)
		for _, rel := range ds.TemporalRelationships {
			key := [2]ir.ContentID{rel.From, rel.To}
			if rel.Kind != teg.EdgeDependency || seen[key] {
				continue
			}
			from, fromOK := effects[rel.From]
			to, toOK := effects[rel.To]
			if !fromOK || !toOK {
				continue
			}
			seen[key] = true
			succ[rel.From] = append(succ[rel.From], rel.To)
			indeg[rel.To]++
			if to.node.Status == ir.EffectSuccess && from.node.Status != ir.EffectSuccess {
				v.add(IssueTemporalViolation, SeverityCritical, to.domain, rel.To.String(),
					"effect succeeded before its predecessor %s (%s)", rel.From.Short(), from.node.Status)
			}
		}
	}

	var queue []ir.ContentID
	for _, id := range sortedIDs(effects) {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited < len(effects) {
		for _, id := range sortedIDs(effects) {
			if indeg[id] > 0 {
				v.add(IssueTemporalViolation, SeverityCritical, effects[id].domain, id.String(), "effect is on a dependency cycle")
			}
		}
	}
}

func (v *verifier) checkLinearity(effects map[ir.ContentID]located[ir.EffectNode], resources map[ir.ContentID]located[ir.Resource]) {
	consumers := make(map[ir.ContentID]int)
	for _, loc := range effects {
		for _, id := range slices.Compact(ir.SortIDs(slices.Clone(loc.node.ConsumedResources))) {
			consumers[id]++
		}
	}
	for _, id := range sortedIDs(resources) {
		loc := resources[id]
		if !loc.node.AccessPattern.IsLinear() {
			continue
		}
		switch n := consumers[id]; {
		case n > 1:
			v.add(IssueLinearityViolation, SeverityCritical, loc.domain, id.String(), "linear resource consumed by %d effects", n)
		case n == 0 && loc.node.State == ir.ResourceConsumed:
			v.add(IssueLinearityViolation, SeverityWarning, loc.domain, id.String(), "resource is consumed but no effect consumed it")
		}
	}
}

func (v *verifier) checkIntents(st *State, effects map[ir.ContentID]located[ir.EffectNode]) {
	for _, d := range st.Domains() {
		ds, _ := st.Domain(d)
		for _, key := range sortedKeys(ds.Intents) {
			for _, id := range ds.Intents[key].Effects {
				if _, ok := effects[id]; !ok {
					v.add(IssueMissingDependency, SeverityWarning, d, key, "intent effect %s is not in the state", id.Short())
				}
			}
		}
	}
}

// VerifySnapshot checks snapshot id and its chain: every payload digest,
// integrity checksum and domain leaf, then the root of the rebuilt state,
// then the rebuilt state itself as Verify does.
func (m *Manager) VerifySnapshot(ctx context.Context, id string, cs store.ContentStore) (Report, error) {
	v := &verifier{}
	chain, err := m.Chain(id)
	if fault.HasCode(err, CodeBrokenChain) {
		v.add(IssueMissingDependency, SeverityCritical, "", id, "%v", err)
		return v.report(nil), nil
	}
	if err != nil {
		return Report{}, err
	}

	var domains []ir.DomainID
	intact := true
	for _, snap := range chain {
		included, err := snap.Domains()
		if err != nil {
			v.add(IssueCorruptedData, SeverityCritical, "", snap.ID, "included domains: %v", err)
			intact = false
			continue
		}
		if snap.ID == id {
			domains = included
		}
		if got := Checksum(snap.Root, included); got != snap.Metadata.IntegrityChecksum {
			v.add(IssueInvalidChecksum, SeverityCritical, "", snap.ID, "integrity checksum is %s, metadata records %s",
				got.Short(), snap.Metadata.IntegrityChecksum.Short())
		}
		part, err := m.Payload(snap)
		if err != nil {
			v.add(IssueInvalidChecksum, SeverityCritical, "", snap.ID, "payload: %v", err)
			intact = false
			continue
		}
		if got := part.Domains(); !slices.Equal(got, sortedDomains(included)) {
			v.add(IssueCorruptedData, SeverityCritical, "", snap.ID, "payload holds domains %v, metadata lists %v", got, included)
		}
		leaves, err := part.LeafHashes()
		if err != nil {
			return Report{}, err
		}
		for hex, leaf := range leaves {
			if want, ok := snap.Metadata.DomainRoots[hex]; !ok || want != leaf {
				d, _ := ir.ParseDomainHex(hex)
				v.add(IssueInvalidChecksum, SeverityCritical, d, snap.ID, "domain leaf %s does not match metadata", leaf.Short())
			}
		}
	}

	if intact {
		st, err := m.LoadState(id)
		if err != nil {
			return Report{}, err
		}
		root, err := st.Root()
		if err != nil {
			return Report{}, err
		}
		if root != chain[0].Root {
			v.add(IssueInvalidChecksum, SeverityCritical, "", id, "rebuilt state root %s does not match %s", root.Short(), chain[0].Root.Short())
		}
		v.verifyState(ctx, st, cs)
		domains = st.Domains()
	}
	return v.report(domains), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedIDs[V any](m map[ir.ContentID]V) []ir.ContentID {
	ids := make([]ir.ContentID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ir.SortIDs(ids)
}

func sortedDomains(ds []ir.DomainID) []ir.DomainID {
	out := slices.Clone(ds)
	slices.Sort(out)
	return out
}
