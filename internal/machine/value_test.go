package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
)

func TestValueIRRoundTrip(t *testing.T) {
	res := ir.ObjectID([]byte("r"))
	values := []Value{
		Unit{},
		Bool(true),
		Int(-4),
		Symbol("abc"),
		Product{Left: Int(1), Right: Symbol("x")},
		Tensor{Left: Bool(false), Right: Unit{}},
		Sum{Tag: "some", Value: Int(9)},
		ResourceRef{ID: res},
		MorphismRef{Register: res},
		TypeValue{Name: "int"},
		ChannelRef{ID: "chan-1-a"},
		Function{Params: []string{"x"}, Body: "(+ x 1)", Captured: map[string]Value{"y": Int(2)}},
		Data{Value: ir.Object{"balance": ir.Int(100)}},
	}

	for _, v := range values {
		t.Run(v.TypeName(), func(t *testing.T) {
			encoded := ToIR(v)
			_, err := ir.MarshalCanonical(encoded)
			require.NoError(t, err)

			back, err := FromIR(encoded)
			require.NoError(t, err)
			assert.Equal(t, v, back)
		})
	}
}

func TestFromIRUnknownKind(t *testing.T) {
	_, err := FromIR(ir.Object{"$kind": ir.String("mystery")})
	assert.Error(t, err)
}
