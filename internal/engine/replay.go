package engine

// # Replay
//
// Every effect id is the content hash of the effect's identity record:
// label, type, domain, accessed resources and parent. Labels carry the
// intent id and step index, so the same plan executed for the same intent
// always yields the same ids, and a recorded run can be checked offline:
//
//	[ReadEffects by seq] → recompute id → compare with recorded id
//	                                          ↓
//	                             [AddEffect into a fresh graph]
//	                                          ↓
//	                     [ReadEdges] → AddDependency (cycle-checked)
//
// A mismatch means the record was altered after it was written. Replaying
// the same records any number of times produces the same graph.

import (
	"context"
	"slices"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

// CodeReplayMismatch marks a recorded effect whose id does not match its
// content.
const CodeReplayMismatch = "REPLAY_MISMATCH"

// Replay rebuilds the effect graph of a recorded intent from rs. Every
// resource the effects reference must be resolvable in cs. It returns the
// graph and the intent's recorded outcome.
func Replay(ctx context.Context, rs store.RecordStore, cs store.ContentStore, intentID string) (*teg.Graph, store.OutcomeRecord, error) {
	outcome, err := rs.ReadOutcome(ctx, intentID)
	if err != nil {
		return nil, store.OutcomeRecord{}, err
	}
	effects, err := rs.ReadEffects(ctx, intentID)
	if err != nil {
		return nil, outcome, err
	}
	slices.SortStableFunc(effects, func(a, b store.EffectRecord) int {
		return int(a.Seq - b.Seq)
	})

	g := teg.New(cs)
	domains := make(map[ir.ContentID]ir.DomainID, len(effects))
	for _, rec := range effects {
		want, _, err := teg.EffectID(rec.Node)
		if err != nil {
			return nil, outcome, err
		}
		if want != rec.Node.ID {
			return nil, outcome, fault.Validation("effect", want.String(), rec.Node.ID.String(),
				"intent %s: effect %q recorded as %s but hashes to %s",
				intentID, rec.Node.Label, rec.Node.ID.Short(), want.Short()).
				WithCode(CodeReplayMismatch)
		}
		if _, err := g.AddEffect(ctx, rec.Node); err != nil {
			return nil, outcome, err
		}
		domains[want] = rec.Node.Domain
	}

	edges, err := rs.ReadEdges(ctx, intentID)
	if err != nil {
		return nil, outcome, err
	}
	for _, edge := range edges {
		if edge.Kind != string(teg.EdgeDependency) {
			continue
		}
		if err := g.AddDependency(edge.From, edge.To); err != nil {
			return nil, outcome, err
		}
		if domains[edge.From] != domains[edge.To] {
			if err := g.LinkCrossDomain(edge.From, edge.To); err != nil {
				return nil, outcome, err
			}
		}
	}
	return g, outcome, nil
}
