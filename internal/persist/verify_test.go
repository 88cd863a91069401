package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

func leaf(b byte) ir.ContentID {
	return ir.Digest("test", []byte{b})
}

func interior(l, r ir.ContentID) ir.ContentID {
	buf := append([]byte{0x01}, l[:]...)
	buf = append(buf, r[:]...)
	return ir.Digest(ir.DomainMerkle, buf)
}

func TestMerkleRoot(t *testing.T) {
	l0, l1, l2 := leaf(0), leaf(1), leaf(2)

	assert.Equal(t, ir.ZeroID, merkleRoot(nil))
	assert.Equal(t, l0, merkleRoot([]ir.ContentID{l0}))
	assert.Equal(t, interior(l0, l1), merkleRoot([]ir.ContentID{l0, l1}))
	assert.Equal(t, interior(interior(l0, l1), l2), merkleRoot([]ir.ContentID{l0, l1, l2}))
	assert.NotEqual(t, merkleRoot([]ir.ContentID{l0, l1}), merkleRoot([]ir.ContentID{l1, l0}))
}

func TestState_Root(t *testing.T) {
	empty, err := NewState().Root()
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	st := twoDomains(t)
	root, err := st.Root()
	require.NoError(t, err)

	leaves, err := st.LeafHashes()
	require.NoError(t, err)
	assert.Equal(t, interior(leaves["41"], leaves["42"]), root)

	put(st, "C", nil, []ResourceEntry{resource(t, 5, "C", ir.ReadOnly())})
	changed, err := st.Root()
	require.NoError(t, err)
	assert.NotEqual(t, root, changed)
}

func TestLeafHash_BindsDomain(t *testing.T) {
	ds := newDomainState()
	a, err := LeafHash("A", ds)
	require.NoError(t, err)
	b, err := LeafHash("B", ds)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestChecksum(t *testing.T) {
	root := leaf(9)
	ab := Checksum(root, []ir.DomainID{"A", "B"})
	assert.Equal(t, ab, Checksum(root, []ir.DomainID{"A", "B"}))
	assert.NotEqual(t, ab, Checksum(root, []ir.DomainID{"A"}))
	assert.NotEqual(t, ab, Checksum(leaf(8), []ir.DomainID{"A", "B"}))
}

func TestVerify_Clean(t *testing.T) {
	report := Verify(context.Background(), twoDomains(t), nil)
	assert.True(t, report.Valid, "issues: %+v", report.Issues)
	assert.True(t, report.CrossDomainConsistent)
	assert.True(t, report.TemporalConsistent)
	assert.True(t, report.SnapshotIntegrity)
	assert.Empty(t, report.Issues)
	assert.Equal(t, []ir.DomainID{"A", "B"}, report.DomainsVerified)
}

func TestVerify_EmptyDomainIsInfo(t *testing.T) {
	st := twoDomains(t)
	st.Put("E", newDomainState())

	report := Verify(context.Background(), st, nil)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Count(SeverityInfo))
}

func TestVerify_LinearDoubleConsume(t *testing.T) {
	st := NewState()
	x := resource(t, 1, "A", ir.Linear())
	x.Resource.State = ir.ResourceConsumed
	first := effect(t, "first", "A", ir.EffectSuccess, x.Resource.ID)
	second := effect(t, "second", "A", ir.EffectSuccess, x.Resource.ID)
	put(st, "A", []ir.EffectNode{first, second}, []ResourceEntry{x})

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	assert.False(t, report.TemporalConsistent)
	assert.True(t, report.Has(IssueLinearityViolation))
	assert.Equal(t, x.Resource.ID.String(), report.Issues[0].Node)
}

func TestVerify_ConsumedWithoutConsumer(t *testing.T) {
	st := NewState()
	x := resource(t, 1, "A", ir.Linear())
	x.Resource.State = ir.ResourceConsumed
	put(st, "A", nil, []ResourceEntry{x})

	report := Verify(context.Background(), st, nil)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Count(SeverityWarning))
	assert.True(t, report.Has(IssueLinearityViolation))
}

func TestVerify_DependencyCycle(t *testing.T) {
	st := NewState()
	a := effect(t, "a", "A", ir.EffectSuccess)
	b := effect(t, "b", "A", ir.EffectSuccess)
	put(st, "A", []ir.EffectNode{a, b}, nil, dependency(a, b), dependency(b, a))

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	assert.False(t, report.TemporalConsistent)
	assert.Equal(t, 2, report.Count(SeverityCritical))
	assert.True(t, report.Has(IssueTemporalViolation))
}

func TestVerify_SuccessBeforePredecessor(t *testing.T) {
	st := NewState()
	a := effect(t, "a", "A", ir.EffectFailure)
	b := effect(t, "b", "A", ir.EffectSuccess)
	put(st, "A", []ir.EffectNode{a, b}, nil, dependency(a, b))

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	require.NotEmpty(t, report.Issues)
	assert.Equal(t, IssueTemporalViolation, report.Issues[0].Type)
	assert.Equal(t, b.ID.String(), report.Issues[0].Node)
}

func TestVerify_MissingEndpoint(t *testing.T) {
	st := NewState()
	a := effect(t, "a", "A", ir.EffectSuccess)
	ghost := effect(t, "ghost", "B", ir.EffectSuccess)
	put(st, "A", []ir.EffectNode{a}, nil, dependency(a, ghost))

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	assert.False(t, report.CrossDomainConsistent)
	assert.True(t, report.Has(IssueMissingDependency))
}

func TestVerify_CrossDomainMismatch(t *testing.T) {
	st := NewState()
	a := effect(t, "a", "A", ir.EffectSuccess)
	b := effect(t, "b", "B", ir.EffectSuccess)
	wrong := Relationship{Kind: teg.EdgeCrossDomain, From: a.ID, To: b.ID, FromDomain: "A", ToDomain: "C"}
	put(st, "A", []ir.EffectNode{a}, nil, wrong)
	put(st, "B", []ir.EffectNode{b}, nil)

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	assert.True(t, report.Has(IssueInconsistentReferences))
}

func TestVerify_UncrossedDependencyWarns(t *testing.T) {
	st := NewState()
	a := effect(t, "a", "A", ir.EffectSuccess)
	b := effect(t, "b", "B", ir.EffectSuccess)
	put(st, "A", []ir.EffectNode{a}, nil, dependency(a, b))
	put(st, "B", []ir.EffectNode{b}, nil)

	report := Verify(context.Background(), st, nil)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Count(SeverityWarning))
	assert.True(t, report.Has(IssueInconsistentReferences))
}

func TestVerify_MisplacedEffect(t *testing.T) {
	st := NewState()
	a := effect(t, "a", "A", ir.EffectSuccess)
	put(st, "B", []ir.EffectNode{a}, nil)

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	assert.True(t, report.Has(IssueInconsistentReferences))
}

func TestVerify_CorruptedResource(t *testing.T) {
	st := NewState()
	x := resource(t, 1, "A", ir.ReadOnly())
	x.Content = `{"forged":true}`
	put(st, "A", nil, []ResourceEntry{x})

	report := Verify(context.Background(), st, nil)
	assert.False(t, report.Valid)
	assert.False(t, report.SnapshotIntegrity)
	assert.True(t, report.Has(IssueCorruptedData))
}

func TestVerify_ContentStoreMissing(t *testing.T) {
	ctx := context.Background()
	st := twoDomains(t)
	cs := store.NewMemory()

	report := Verify(ctx, st, cs)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Count(SeverityWarning), "both resources are absent from the store")

	for _, d := range st.Domains() {
		for _, entry := range mustDomain(t, st, d).Resources {
			require.NoError(t, cs.Put(ctx, entry.Resource.ID, []byte(entry.Content)))
		}
	}
	report = Verify(ctx, st, cs)
	assert.Zero(t, report.Count(SeverityWarning))
}
