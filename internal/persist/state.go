package persist

import (
	"cmp"
	"context"
	"maps"
	"slices"

	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/teg"
)

// ResourceEntry is a resource as exported: its current record and the
// canonical bytes its id addresses.
type ResourceEntry struct {
	Resource ir.Resource `json:"resource"`
	Content  string      `json:"content"`
}

// IntentEntry records an intent that touched a domain.
type IntentEntry struct {
	ID           string         `json:"id"`
	State        engine.State   `json:"state"`
	Priority     ir.Priority    `json:"priority"`
	Effects      []ir.ContentID `json:"effects"`
	FailedEffect *ir.ContentID  `json:"failed_effect,omitempty"`
}

// Handler is the adapter serving a domain.
type Handler struct {
	Type              string   `json:"type"`
	Name              string   `json:"name"`
	ChainID           string   `json:"chain_id,omitempty"`
	ConfirmationDepth uint64   `json:"confirmation_depth"`
	Capabilities      []string `json:"capabilities"`
}

// Relationship is an effect-graph edge with at least one endpoint in the
// domain.
type Relationship struct {
	Kind       teg.EdgeKind   `json:"kind"`
	From       ir.ContentID   `json:"from"`
	To         ir.ContentID   `json:"to"`
	Mode       teg.AccessMode `json:"mode,omitempty"`
	Condition  string         `json:"condition,omitempty"`
	FromDomain ir.DomainID    `json:"from_domain,omitempty"`
	ToDomain   ir.DomainID    `json:"to_domain,omitempty"`
}

// DomainMetadata counts the sections of a DomainState.
type DomainMetadata struct {
	EffectCount               int `json:"effect_count"`
	ResourceCount             int `json:"resource_count"`
	IntentCount               int `json:"intent_count"`
	HandlerCount              int `json:"handler_count"`
	TemporalRelationshipCount int `json:"temporal_relationship_count"`
}

// DomainState is everything known about one domain. Map sections are keyed
// by hex id (effects, resources), intent id or adapter type.
type DomainState struct {
	Effects               map[string]ir.EffectNode `json:"effects"`
	Resources             map[string]ResourceEntry `json:"resources"`
	Intents               map[string]IntentEntry   `json:"intents"`
	Handlers              map[string]Handler       `json:"handlers"`
	TemporalRelationships []Relationship           `json:"temporal_relationships"`
	DomainMetadata        DomainMetadata           `json:"domain_metadata"`
}

func newDomainState() *DomainState {
	return &DomainState{
		Effects:               make(map[string]ir.EffectNode),
		Resources:             make(map[string]ResourceEntry),
		Intents:               make(map[string]IntentEntry),
		Handlers:              make(map[string]Handler),
		TemporalRelationships: []Relationship{},
	}
}

// seal sorts the relationships and recomputes the metadata counts.
func (d *DomainState) seal() {
	slices.SortFunc(d.TemporalRelationships, compareRelationships)
	d.TemporalRelationships = slices.CompactFunc(d.TemporalRelationships, func(a, b Relationship) bool {
		return compareRelationships(a, b) == 0
	})
	d.DomainMetadata = DomainMetadata{
		EffectCount:               len(d.Effects),
		ResourceCount:             len(d.Resources),
		IntentCount:               len(d.Intents),
		HandlerCount:              len(d.Handlers),
		TemporalRelationshipCount: len(d.TemporalRelationships),
	}
}

func compareRelationships(a, b Relationship) int {
	return cmp.Or(
		a.From.Compare(b.From),
		a.To.Compare(b.To),
		cmp.Compare(a.Kind, b.Kind),
		cmp.Compare(a.Mode, b.Mode),
	)
}

// State maps domains to their exported state.
//
// Thread-safety: not safe for concurrent use.
type State struct {
	domains map[ir.DomainID]*DomainState
}

// NewState returns an empty state.
func NewState() *State {
	return &State{domains: make(map[ir.DomainID]*DomainState)}
}

// Domains returns the domain ids in sorted order.
func (s *State) Domains() []ir.DomainID {
	return slices.Sorted(maps.Keys(s.domains))
}

// Domain returns the state of d.
func (s *State) Domain(d ir.DomainID) (*DomainState, bool) {
	ds, ok := s.domains[d]
	return ds, ok
}

// Put replaces the state of d.
func (s *State) Put(d ir.DomainID, ds *DomainState) {
	ds.seal()
	s.domains[d] = ds
}

// NodeCount is the number of effects and resources across every domain.
func (s *State) NodeCount() int {
	n := 0
	for _, ds := range s.domains {
		n += len(ds.Effects) + len(ds.Resources)
	}
	return n
}

func (s *State) domain(d ir.DomainID) *DomainState {
	ds, ok := s.domains[d]
	if !ok {
		ds = newDomainState()
		s.domains[d] = ds
	}
	return ds
}

// Capture reads the scheduler's graph, resource catalog, intents and
// adapters into a State. Effects belong to the domain they ran in and
// resources to their current location.
func Capture(ctx context.Context, e *engine.Engine) (*State, error) {
	st := NewState()
	g := e.Graph()
	cs := e.ContentStore()

	effectDomain := make(map[ir.ContentID]ir.DomainID)
	for _, node := range g.Effects() {
		st.domain(node.Domain).Effects[node.ID.String()] = node
		effectDomain[node.ID] = node.Domain
	}

	for _, entry := range e.Catalog().Entries() {
		res := entry.Resource
		data, err := cs.Get(ctx, res.ID)
		if err != nil {
			return nil, err
		}
		st.domain(res.CurrentLocation).Resources[res.ID.String()] = ResourceEntry{
			Resource: res,
			Content:  string(data),
		}
	}

	for _, edge := range g.Edges() {
		rel := Relationship{
			Kind:       edge.Kind,
			From:       edge.From,
			To:         edge.To,
			Mode:       edge.Mode,
			Condition:  edge.Condition,
			FromDomain: edge.FromDomain,
			ToDomain:   edge.ToDomain,
		}
		from, fromOK := effectDomain[edge.From]
		if fromOK {
			st.domain(from).TemporalRelationships = append(st.domain(from).TemporalRelationships, rel)
		}
		if to, ok := effectDomain[edge.To]; ok && (!fromOK || to != from) {
			st.domain(to).TemporalRelationships = append(st.domain(to).TemporalRelationships, rel)
		}
	}

	for _, sum := range e.List() {
		entry := IntentEntry{ID: sum.ID, State: sum.State, Priority: sum.Priority, Effects: []ir.ContentID{}}
		out, done, err := e.Outcome(sum.ID)
		if err != nil {
			return nil, err
		}
		touched := make(map[ir.DomainID][]ir.ContentID)
		if done {
			entry.FailedEffect = out.FailedEffect
			for _, id := range out.Effects {
				if d, ok := effectDomain[id]; ok {
					touched[d] = append(touched[d], id)
				}
			}
		}
		if len(touched) == 0 && sum.Domain != "" {
			touched[sum.Domain] = []ir.ContentID{}
		}
		for d, ids := range touched {
			scoped := entry
			scoped.Effects = ids
			st.domain(d).Intents[sum.ID] = scoped
		}
	}

	if reg := e.Adapters(); reg != nil {
		for _, id := range reg.IDs() {
			a, err := reg.Get(id)
			if err != nil {
				return nil, err
			}
			info, err := a.DomainInfo(ctx)
			if err != nil {
				return nil, err
			}
			st.domain(id).Handlers[info.Type] = Handler{
				Type:              info.Type,
				Name:              info.Name,
				ChainID:           info.ChainID,
				ConfirmationDepth: info.ConfirmationDepth,
				Capabilities:      a.Capabilities(),
			}
		}
	}

	for _, ds := range st.domains {
		ds.seal()
	}
	return st, nil
}
