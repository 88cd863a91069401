package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
)

func recordStores(t *testing.T) map[string]RecordStore {
	return map[string]RecordStore{
		"memory": NewMemory(),
		"sqlite": createTestStore(t),
	}
}

func testNode(label string, status ir.EffectStatus) ir.EffectNode {
	res := ir.ObjectID([]byte("resource-" + label))
	n := ir.EffectNode{
		Label:             label,
		EffectType:        ir.EffectCompute,
		Domain:            "local",
		ResourcesAccessed: []ir.ContentID{res},
		ConsumedResources: []ir.ContentID{res},
		Inputs:            []ir.ContentID{res},
		Outputs:           []ir.ContentID{},
		Status:            status,
	}
	_, n.ID = ir.MustCanonicalize(n.IdentityRecord())
	return n
}

func TestOutcomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, rs := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			failed := ir.ObjectID([]byte("effect-b"))
			rec := OutcomeRecord{
				IntentID:       "intent-1",
				State:          "failure",
				PartialOutputs: []ir.ContentID{ir.ObjectID([]byte("out-a"))},
				FailedEffect:   &failed,
				ErrorKind:      "validation",
				ErrorCode:      "ALREADY_CONSUMED",
				ErrorMessage:   "resource already consumed",
				Seq:            2,
			}
			require.NoError(t, rs.WriteOutcome(ctx, rec))

			// First write wins.
			later := rec
			later.State = "success"
			require.NoError(t, rs.WriteOutcome(ctx, later))

			got, err := rs.ReadOutcome(ctx, "intent-1")
			require.NoError(t, err)
			assert.Equal(t, rec, got)

			_, err = rs.ReadOutcome(ctx, "missing")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestListOutcomesOrdering(t *testing.T) {
	ctx := context.Background()
	for name, rs := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, rec := range []OutcomeRecord{
				{IntentID: "c", State: "success", Seq: 2, PartialOutputs: []ir.ContentID{}},
				{IntentID: "b", State: "success", Seq: 1, PartialOutputs: []ir.ContentID{}},
				{IntentID: "a", State: "success", Seq: 2, PartialOutputs: []ir.ContentID{}},
			} {
				require.NoError(t, rs.WriteOutcome(ctx, rec))
			}

			list, err := rs.ListOutcomes(ctx)
			require.NoError(t, err)
			ids := make([]string, len(list))
			for i, rec := range list {
				ids[i] = rec.IntentID
			}
			assert.Equal(t, []string{"b", "a", "c"}, ids)
		})
	}
}

func TestEffectsAndEdgesRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, rs := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			a := testNode("a", ir.EffectSuccess)
			b := testNode("b", ir.EffectFailure)
			parent := a.ID
			b.Parent = &parent

			require.NoError(t, rs.WriteEffect(ctx, EffectRecord{IntentID: "i", Seq: 2, Node: b}))
			require.NoError(t, rs.WriteEffect(ctx, EffectRecord{IntentID: "i", Seq: 1, Node: a}))
			require.NoError(t, rs.WriteEffect(ctx, EffectRecord{IntentID: "i", Seq: 1, Node: a}))
			require.NoError(t, rs.WriteEdge(ctx, EdgeRecord{IntentID: "i", From: a.ID, To: b.ID, Kind: "dependency"}))
			require.NoError(t, rs.WriteEdge(ctx, EdgeRecord{IntentID: "i", From: a.ID, To: b.ID, Kind: "dependency"}))

			effects, err := rs.ReadEffects(ctx, "i")
			require.NoError(t, err)
			require.Len(t, effects, 2)
			assert.Equal(t, a, effects[0].Node)
			assert.Equal(t, b, effects[1].Node)

			edges, err := rs.ReadEdges(ctx, "i")
			require.NoError(t, err)
			assert.Equal(t, []EdgeRecord{{IntentID: "i", From: a.ID, To: b.ID, Kind: "dependency"}}, edges)

			none, err := rs.ReadEffects(ctx, "other")
			require.NoError(t, err)
			assert.NotNil(t, none)
			assert.Empty(t, none)
		})
	}
}
