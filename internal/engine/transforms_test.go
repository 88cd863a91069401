package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

func TestTransforms_Builtins(t *testing.T) {
	tr := NewTransforms()

	tests := []struct {
		def  string
		args []ir.Value
		want ir.Value
	}{
		{"identity", []ir.Value{ir.String("s")}, ir.String("s")},
		{"identity", []ir.Value{ir.Int(1), ir.Int(2)}, ir.Array{ir.Int(1), ir.Int(2)}},
		{"double", []ir.Value{ir.Int(7)}, ir.Int(14)},
		{"negate", []ir.Value{ir.Int(7)}, ir.Int(-7)},
		{"sum", []ir.Value{ir.Int(1), ir.Int(2), ir.Int(3)}, ir.Int(6)},
		{"sum", nil, ir.Int(0)},
		{"add 5", []ir.Value{ir.Int(1)}, ir.Int(6)},
		{"add -5", []ir.Value{ir.Int(1)}, ir.Int(-4)},
		{"mul 3", []ir.Value{ir.Int(4)}, ir.Int(12)},
		{"  double  ", []ir.Value{ir.Int(2)}, ir.Int(4)},
	}
	for _, tt := range tests {
		t.Run(tt.def, func(t *testing.T) {
			fn, err := tr.Resolve(tt.def)
			require.NoError(t, err)
			got, err := fn(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransforms_ResolveErrors(t *testing.T) {
	tr := NewTransforms()

	tests := []struct {
		def  string
		code string
	}{
		{"", CodeUnknownTransform},
		{"square", CodeUnknownTransform},
		{"double 2", CodeUnknownTransform},
		{"add", CodeUnknownTransform},
		{"add two", CodeBadArgument},
		{"add 1 2", CodeUnknownTransform},
	}
	for _, tt := range tests {
		t.Run(tt.def, func(t *testing.T) {
			_, err := tr.Resolve(tt.def)
			assert.True(t, fault.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestTransforms_ArgumentErrors(t *testing.T) {
	tr := NewTransforms()

	double, err := tr.Resolve("double")
	require.NoError(t, err)
	_, err = double([]ir.Value{ir.String("x")})
	assert.True(t, fault.HasCode(err, CodeBadArgument))
	_, err = double([]ir.Value{ir.Int(1), ir.Int(2)})
	assert.True(t, fault.HasCode(err, CodeBadArgument))

	sum, err := tr.Resolve("sum")
	require.NoError(t, err)
	_, err = sum([]ir.Value{ir.Int(1), ir.Bool(true)})
	assert.True(t, fault.HasCode(err, CodeBadArgument))
}

func TestTransforms_Register(t *testing.T) {
	tr := NewTransforms()
	tr.Register("const", func([]ir.Value) (ir.Value, error) { return ir.Int(42), nil })
	tr.RegisterParam("pow", func(n int64) Transform {
		return unaryInt(func(v int64) int64 {
			out := int64(1)
			for range n {
				out *= v
			}
			return out
		})
	})

	fn, err := tr.Resolve("pow 3")
	require.NoError(t, err)
	got, err := fn([]ir.Value{ir.Int(2)})
	require.NoError(t, err)
	assert.Equal(t, ir.Int(8), got)

	assert.Equal(t, []string{"add N", "const", "double", "identity", "mul N", "negate", "pow N", "sum"}, tr.Names())
}
