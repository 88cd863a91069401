package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
)

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalScenario = `
name: minimal
description: one intent
resources:
  - name: y
    type: int
    access_pattern: {kind: read_only}
    value: 21
    location: S
intents:
  - id: calc
    domain: S
    constraints:
      - {kind: local_transform, definition: double, inputs: [y], output: z}
    bindings: {y: y}
assertions:
  - {type: intent_state, intent: calc, state: success}
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), minimalScenario)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Resources, 1)
	assert.Equal(t, 21, s.Resources[0].Value)
	assert.Equal(t, ir.AccessReadOnly, s.Resources[0].Pattern.Kind)
	require.Len(t, s.Intents, 1)
	assert.Equal(t, map[string]string{"y": "y"}, s.Intents[0].Bindings)
	assert.Equal(t, ir.LocalTransform("", "", "double").Reading("y").Producing("z"), s.Intents[0].Constraints[0])
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertIntentState, s.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MalformedYAML(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "name: [unclosed")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_UnknownFieldsRejected(t *testing.T) {
	path := writeScenario(t, t.TempDir(), minimalScenario+"assertion: []\n")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertion")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		message string
	}{
		{"missing name", `
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: intent_state, intent: i, state: success}]
`, "name is required"},
		{"missing description", `
name: n
intents: [{id: i, constraints: []}]
assertions: [{type: intent_state, intent: i, state: success}]
`, "description is required"},
		{"no intents", `
name: n
description: d
assertions: [{type: intent_state, intent: i, state: success}]
`, "workload or intents is required"},
		{"missing workload file", `
name: n
description: d
workload: missing.cue
assertions: [{type: intent_state, intent: i, state: success}]
`, "workload file not found"},
		{"no assertions", `
name: n
description: d
intents: [{id: i, constraints: []}]
`, "assertions list is required"},
		{"domain without type", `
name: n
description: d
domains: [{id: eth}]
intents: [{id: i, constraints: []}]
assertions: [{type: intent_state, intent: i, state: success}]
`, "domains[0]: id and type are required"},
		{"assertion without intent", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: intent_state, state: success}]
`, "assertions[0]: intent is required"},
		{"unknown assertion", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: final_state, intent: i}]
`, `unknown assertion type "final_state"`},
		{"state missing", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: intent_state, intent: i}]
`, "state is required"},
		{"output value missing", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: output_value, intent: i, output: z}]
`, "value is required"},
		{"negative count", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: effect_count, intent: i, count: -1}]
`, "count must be non-negative"},
		{"order without steps", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: effect_order, intent: i}]
`, "steps list is required"},
		{"code missing", `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: error_code, intent: i}]
`, "code is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestLoadScenario_ZeroCountAllowed(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: n
description: d
intents: [{id: i, constraints: []}]
assertions: [{type: effect_count, intent: i, count: 0}]
`)
	_, err := LoadScenario(path)
	assert.NoError(t, err)
}

func TestLoadScenario_ResolvesWorkloadPath(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "chain.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("testdata", "scenarios", "chain.cue"), s.Workload)
}

func TestLoadScenario_Domains(t *testing.T) {
	path := writeScenario(t, t.TempDir(), `
name: n
description: d
domains:
  - id: eth
    type: ethereum-like
    options: {chain_id: 1}
intents: [{id: i, constraints: []}]
assertions: [{type: intent_state, intent: i, state: success}]
`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	require.Len(t, s.Domains, 1)
	assert.Equal(t, ir.DomainID("eth"), s.Domains[0].ID)
	assert.Equal(t, "ethereum-like", s.Domains[0].Type)
	assert.Equal(t, 1, s.Domains[0].Options["chain_id"])
}

func TestFindScenarios(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("testdata", "scenarios", "broken.yaml"),
		filepath.Join("testdata", "scenarios", "chain.yaml"),
		filepath.Join("testdata", "scenarios", "double.yaml"),
	}, files)

	_, err = FindScenarios(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLoadExampleScenarios(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			_, err := LoadScenario(f)
			assert.NoError(t, err)
		})
	}
}
