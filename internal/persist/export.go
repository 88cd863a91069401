package persist

import (
	"context"
	"maps"
	"slices"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

// Error codes carried by *fault.Error values from this package.
const (
	CodeDomainExists     = "DOMAIN_EXISTS"
	CodeUnknownDomain    = "UNKNOWN_DOMAIN"
	CodeBadExport        = "BAD_EXPORT"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeBrokenChain      = "BROKEN_CHAIN"
	CodeBadSnapshot      = "BAD_SNAPSHOT"
)

// Export encodes the named domains, or every domain when none are named, as
// a JSON object keyed by domain hex.
func Export(st *State, domains ...ir.DomainID) ([]byte, error) {
	if len(domains) == 0 {
		domains = st.Domains()
	}
	return exportDomains(st, domains)
}

// Import decodes an export into st. Every imported domain must be absent or
// empty in st. When cs is non-nil the resources' content is stored in it.
// Node ids are checked against their content before anything is written.
func Import(ctx context.Context, st *State, cs store.ContentStore, data []byte) ([]ir.DomainID, error) {
	decoded, err := decodeExport(data)
	if err != nil {
		return nil, err
	}
	for d := range decoded {
		if existing, ok := st.Domain(d); ok && !existing.empty() {
			return nil, fault.Validation("domain", "empty domain", string(d), "domain %s already has state", d).
				WithCode(CodeDomainExists)
		}
	}

	if cs != nil {
		for _, ds := range decoded {
			for _, entry := range ds.Resources {
				if err := cs.Put(ctx, entry.Resource.ID, []byte(entry.Content)); err != nil {
					return nil, err
				}
			}
		}
	}

	imported := slices.Sorted(maps.Keys(decoded))
	for _, d := range imported {
		st.Put(d, decoded[d])
	}
	return imported, nil
}

func decodeExport(data []byte) (map[ir.DomainID]*DomainState, error) {
	var raw map[string]*DomainState
	if err := decodeStrict(data, &raw); err != nil {
		return nil, err
	}
	decoded := make(map[ir.DomainID]*DomainState, len(raw))
	for key, ds := range raw {
		d, err := ir.ParseDomainHex(key)
		if err != nil {
			return nil, badExport("domain key %q is not hex", key).Wrap(err)
		}
		if ds == nil {
			return nil, badExport("domain %s has no state", d)
		}
		if err := checkDomain(d, ds); err != nil {
			return nil, err
		}
		ds.normalize()
		decoded[d] = ds
	}
	return decoded, nil
}

func (d *DomainState) empty() bool {
	return len(d.Effects) == 0 && len(d.Resources) == 0 && len(d.Intents) == 0 &&
		len(d.Handlers) == 0 && len(d.TemporalRelationships) == 0
}

// normalize replaces missing sections with empty ones.
func (d *DomainState) normalize() {
	if d.Effects == nil {
		d.Effects = make(map[string]ir.EffectNode)
	}
	if d.Resources == nil {
		d.Resources = make(map[string]ResourceEntry)
	}
	if d.Intents == nil {
		d.Intents = make(map[string]IntentEntry)
	}
	if d.Handlers == nil {
		d.Handlers = make(map[string]Handler)
	}
	if d.TemporalRelationships == nil {
		d.TemporalRelationships = []Relationship{}
	}
}

// checkDomain verifies that map keys match node ids, that ids match their
// content, and that the declared counts match the sections.
func checkDomain(d ir.DomainID, ds *DomainState) error {
	for key, node := range ds.Effects {
		if key != node.ID.String() {
			return badExport("domain %s: effect keyed %s has id %s", d, key, node.ID)
		}
		want, _, err := teg.EffectID(node)
		if err != nil {
			return err
		}
		if want != node.ID {
			return badExport("domain %s: effect %q hashes to %s, not %s", d, node.Label, want.Short(), node.ID.Short())
		}
	}
	for key, entry := range ds.Resources {
		if key != entry.Resource.ID.String() {
			return badExport("domain %s: resource keyed %s has id %s", d, key, entry.Resource.ID)
		}
		if got := ir.ObjectID([]byte(entry.Content)); got != entry.Resource.ID {
			return badExport("domain %s: resource %s content hashes to %s", d, entry.Resource.ID.Short(), got.Short())
		}
	}
	for key, intent := range ds.Intents {
		if key != intent.ID {
			return badExport("domain %s: intent keyed %s has id %s", d, key, intent.ID)
		}
	}
	declared := ds.DomainMetadata
	counts := DomainMetadata{
		EffectCount:               len(ds.Effects),
		ResourceCount:             len(ds.Resources),
		IntentCount:               len(ds.Intents),
		HandlerCount:              len(ds.Handlers),
		TemporalRelationshipCount: len(ds.TemporalRelationships),
	}
	if declared != counts {
		return badExport("domain %s: metadata %+v does not match sections %+v", d, declared, counts)
	}
	return nil
}

func badExport(format string, args ...any) *fault.Error {
	return fault.Validation("export", "consistent domain export", "", format, args...).
		WithCode(CodeBadExport)
}
