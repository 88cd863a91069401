package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
)

const bridgeWorkload = `
resources: {
	x: {
		type:           "int"
		access_pattern: kind: "linear"
		value:          21
		location:       "L1"
	}
	cfg: {
		type:           "config"
		access_pattern: kind: "read_only"
		value: {limit: 5, tags: ["a", "b"], enabled: true, note: null}
		location: "L1"
		origin:   "genesis"
	}
}

intents: {
	calc: {
		domain:   "L1"
		priority: "high"
		timeout:  "2s"
		constraints: [
			{kind: "local_transform", source_type: "int", target_type: "int", definition: "double", inputs: ["x"], output: "y"},
		]
		bindings: x: "x"
		location: {preferred: "L1", allowed: ["L1", "L2"], strategy: "minimize_time"}
		expected: 42
	}
	ship: {
		domain:     "L2"
		depends_on: ["calc"]
		constraints: [
			{kind: "data_migration", source_location: "L1", target_location: "L2", strategy: {kind: "copy"}, inputs: ["c"], output: "c2"},
		]
		bindings: c: "cfg"
	}
}
`

func TestCompileString(t *testing.T) {
	w, err := CompileString("bridge.cue", bridgeWorkload)
	require.NoError(t, err)

	require.Len(t, w.Resources, 2)
	x := w.Resources[0]
	assert.Equal(t, "x", x.Name)
	assert.Equal(t, "int", x.Type)
	assert.True(t, x.Pattern.IsLinear())
	assert.Equal(t, int64(21), x.Value)
	assert.Equal(t, ir.DomainID("L1"), x.Location)
	assert.Positive(t, x.Line)

	cfg := w.Resources[1]
	assert.Equal(t, "genesis", cfg.Origin)
	assert.Equal(t, map[string]any{
		"limit":   int64(5),
		"tags":    []any{"a", "b"},
		"enabled": true,
		"note":    nil,
	}, cfg.Value)

	require.Len(t, w.Intents, 2)
	calc := w.Intents[0]
	assert.Equal(t, "calc", calc.ID)
	assert.Equal(t, ir.DomainID("L1"), calc.Domain)
	assert.Equal(t, "high", calc.Priority)
	assert.Equal(t, "2s", calc.Timeout)
	assert.Equal(t, map[string]string{"x": "x"}, calc.Bindings)
	assert.Equal(t, int64(42), calc.Expected)
	assert.Equal(t, ir.DomainID("L1"), calc.Location.Preferred)
	assert.Equal(t, []ir.DomainID{"L1", "L2"}, calc.Location.Allowed)
	assert.Equal(t, ir.MinimizeTime, calc.Location.Strategy)
	require.Len(t, calc.Constraints, 1)
	assert.Equal(t, ir.LocalTransform("int", "int", "double").Reading("x").Producing("y"), calc.Constraints[0])

	ship := w.Intents[1]
	assert.Equal(t, []string{"calc"}, ship.DependsOn)
	require.Len(t, ship.Constraints, 1)
	c := ship.Constraints[0]
	assert.Equal(t, ir.ConstraintDataMigration, c.Kind)
	require.NotNil(t, c.Strategy)
	assert.Equal(t, ir.StrategyCopy, c.Strategy.Kind)
	assert.Equal(t, []string{"c"}, c.Inputs)

	assert.Empty(t, Validate(w))
}

func TestCompileString_RejectsFloats(t *testing.T) {
	_, err := CompileString("f.cue", `
resources: r: {value: 1.5, location: "L1"}
`)
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "value", ce.Field)
	assert.Contains(t, ce.Message, "floats")
	assert.True(t, ce.Pos.IsValid())
	assert.Equal(t, 2, ce.Pos.Line())
}

func TestCompileString_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"resource location", `resources: r: value: 1`, "resources.r.location"},
		{"resource value", `resources: r: location: "L1"`, "resources.r.value"},
		{"intent constraints", `intents: i: domain: "L1"`, "intents.i.constraints"},
		{"empty", `other: 1`, "workload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileString("m.cue", tt.src)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileString_SyntaxError(t *testing.T) {
	_, err := CompileString("bad.cue", `resources: {`)
	require.Error(t, err)

	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "cue", ce.Field)
	assert.Equal(t, "bad.cue", ce.Pos.Filename())
	assert.Contains(t, ce.Error(), "bad.cue:")
}

func TestCompileString_WrongType(t *testing.T) {
	_, err := CompileString("t.cue", `intents: i: {domain: 3, constraints: []}`)
	require.Error(t, err)
}

func TestCompileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.cue")
	require.NoError(t, os.WriteFile(path, []byte(bridgeWorkload), 0o644))

	w, err := CompileFile(path)
	require.NoError(t, err)
	assert.Len(t, w.Intents, 2)

	_, err = CompileFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResourceDecl_Spec(t *testing.T) {
	w, err := CompileString("bridge.cue", bridgeWorkload)
	require.NoError(t, err)

	spec, err := w.Resources[1].Spec()
	require.NoError(t, err)
	assert.Equal(t, "config", spec.Type)
	assert.Equal(t, ir.Object{
		"limit":   ir.Int(5),
		"tags":    ir.Array{ir.String("a"), ir.String("b")},
		"enabled": ir.Bool(true),
		"note":    ir.Null{},
	}, spec.Value)

	_, err = ResourceDecl{Name: "f", Value: 0.5}.Spec()
	assert.Error(t, err)
}

func TestIntentDecl_Resolve(t *testing.T) {
	w, err := CompileString("bridge.cue", bridgeWorkload)
	require.NoError(t, err)

	xID := ir.Digest("test", []byte("x"))
	intent, err := w.Intents[0].Resolve(map[string]ir.ContentID{"x": xID})
	require.NoError(t, err)
	assert.Equal(t, "calc", intent.ID)
	assert.Equal(t, ir.PriorityHigh, intent.Priority)
	assert.Equal(t, 2*time.Second, intent.Timeout)
	assert.Equal(t, map[string]ir.ContentID{"x": xID}, intent.ResourceBindings)
	assert.Equal(t, ir.Int(42), intent.ExpectedResult)

	ship, err := w.Intents[1].Resolve(map[string]ir.ContentID{"cfg": xID})
	require.NoError(t, err)
	assert.Equal(t, ir.PriorityNormal, ship.Priority, "priority defaults to normal")
	assert.Equal(t, []string{"calc"}, ship.Dependencies)

	_, err = w.Intents[0].Resolve(nil)
	assert.ErrorContains(t, err, `unknown resource "x"`)
}

func TestWorkload_Lookup(t *testing.T) {
	w, err := CompileString("bridge.cue", bridgeWorkload)
	require.NoError(t, err)

	r, ok := w.Resource("cfg")
	require.True(t, ok)
	assert.Equal(t, "config", r.Type)
	_, ok = w.Resource("nope")
	assert.False(t, ok)

	in, ok := w.Intent("ship")
	require.True(t, ok)
	assert.Equal(t, ir.DomainID("L2"), in.Domain)
	_, ok = w.Intent("nope")
	assert.False(t, ok)
}
