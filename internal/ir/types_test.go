package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainHexRoundTrip(t *testing.T) {
	d := DomainID("ethereum-mainnet")

	parsed, err := ParseDomainHex(d.Hex())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDomainHex("not-hex")
	assert.Error(t, err)
}

func TestResourceGenesisEncode(t *testing.T) {
	g := ResourceGenesis{
		ResourceType:  "int",
		AccessPattern: Linear(),
		Value:         Int(7),
		Origin:        "test",
	}

	data, id, err := g.Encode()
	require.NoError(t, err)
	assert.Equal(t, ObjectID(data), id)

	decoded, err := DecodeGenesis(data)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)

	other := g
	other.Origin = "elsewhere"
	_, otherID, err := other.Encode()
	require.NoError(t, err)
	assert.NotEqual(t, id, otherID, "origin distinguishes equal values")
}

func TestResourceGenesisStreamingPattern(t *testing.T) {
	g := ResourceGenesis{ResourceType: "blob", AccessPattern: Streaming(64, 2), Value: String("x")}
	data, _, err := g.Encode()
	require.NoError(t, err)

	decoded, err := DecodeGenesis(data)
	require.NoError(t, err)
	assert.Equal(t, Streaming(64, 2), decoded.AccessPattern)
}

func TestResourceGenesisRequiresValue(t *testing.T) {
	_, _, err := ResourceGenesis{ResourceType: "int", AccessPattern: Linear()}.Encode()
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"", PriorityNormal},
		{"low", PriorityLow},
		{"HIGH", PriorityHigh},
		{"critical", PriorityCritical},
		{"immediate", PriorityImmediate},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
	assert.Equal(t, "priority(9)", Priority(9).String())
}

func TestConstraintValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       TransformConstraint
		wantErr bool
	}{
		{"local ok", LocalTransform("int", "int", "double").Reading("x"), false},
		{"local missing definition", LocalTransform("int", "int", ""), true},
		{"remote ok", RemoteTransform("S", "T", "relay").Reading("x"), false},
		{"remote without input", RemoteTransform("S", "T", "relay"), true},
		{"migration ok", DataMigration("S", "T", Move(), "").Reading("r"), false},
		{"migration bad strategy", DataMigration("S", "T", MigrationStrategy{Kind: "teleport"}, "").Reading("r"), true},
		{"replicate without targets", DataMigration("S", "T", Replicate(ConsistencyStrong), "").Reading("r"), true},
		{"sync ok", DistributedSync(ConsistencyEventual, "L1", "L2"), false},
		{"sync unknown model", DistributedSync("linearizable", "L1"), true},
		{"sync no locations", DistributedSync(ConsistencyStrong), true},
		{"unknown kind", TransformConstraint{Kind: "magic"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConstraintBuildersCopy(t *testing.T) {
	base := LocalTransform("int", "int", "double").Reading("x")
	derived := base.Reading("y").Producing("out")

	assert.Equal(t, []string{"x"}, base.Inputs)
	assert.Equal(t, []string{"x", "y"}, derived.Inputs)
	assert.Equal(t, "out", derived.Output)
	assert.Empty(t, base.Output)
}

func TestEffectStatusTerminal(t *testing.T) {
	for _, s := range []EffectStatus{EffectSuccess, EffectFailure, EffectCancelled, EffectTimeout} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []EffectStatus{EffectPending, EffectRunning, EffectWaiting} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.True(t, EffectWaiting.SatisfiesDependency())
	assert.False(t, EffectRunning.SatisfiesDependency())
}

func TestEffectIdentityIgnoresResourceOrder(t *testing.T) {
	a := ObjectID([]byte("a"))
	b := ObjectID([]byte("b"))

	n1 := EffectNode{Label: "e", EffectType: EffectCompute, Domain: "L", ResourcesAccessed: []ContentID{a, b}}
	n2 := EffectNode{Label: "e", EffectType: EffectCompute, Domain: "L", ResourcesAccessed: []ContentID{b, a}}

	_, id1 := MustCanonicalize(n1.IdentityRecord())
	_, id2 := MustCanonicalize(n2.IdentityRecord())
	assert.Equal(t, id1, id2)
	assert.Equal(t, []ContentID{a, b}, n1.ResourcesAccessed, "identity record does not reorder the node")
}
