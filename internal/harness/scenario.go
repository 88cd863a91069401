package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/causality/internal/adapter"
	"github.com/roach88/causality/internal/compiler"
)

// Scenario defines a conformance scenario: a workload to run and the
// assertions its outcomes and trace must satisfy.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Domains lists adapters to bootstrap before the workload runs.
	Domains []adapter.Spec `yaml:"domains,omitempty"`

	// Workload is an optional path to a CUE workload file. Relative paths
	// are resolved against the scenario file's directory.
	Workload string `yaml:"workload,omitempty"`

	// Resources and Intents are inline declarations, appended after those
	// of Workload.
	Resources []compiler.ResourceDecl `yaml:"resources,omitempty"`
	Intents   []compiler.IntentDecl   `yaml:"intents,omitempty"`

	// Assertions validate outcomes and the trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Assertion checks one property of a scenario run.
type Assertion struct {
	// Type is one of intent_state, output_value, effect_count,
	// effect_order or error_code.
	Type string `yaml:"type"`

	// Intent is the intent the assertion applies to.
	Intent string `yaml:"intent"`

	// State is the expected final state (intent_state).
	State string `yaml:"state,omitempty"`

	// Output and Value name an output and its expected value (output_value).
	Output string `yaml:"output,omitempty"`
	Value  any    `yaml:"value,omitempty"`

	// EffectType filters effects before counting (effect_count).
	EffectType string `yaml:"effect_type,omitempty"`
	Count      int    `yaml:"count,omitempty"`

	// Steps lists step labels, such as "compute", in expected order
	// (effect_order).
	Steps []string `yaml:"steps,omitempty"`

	// Code is the expected fault code (error_code).
	Code string `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertIntentState = "intent_state"
	AssertOutputValue = "output_value"
	AssertEffectCount = "effect_count"
	AssertEffectOrder = "effect_order"
	AssertErrorCode   = "error_code"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected, and a relative workload path is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Workload != "" && !filepath.IsAbs(scenario.Workload) {
		scenario.Workload = filepath.Join(filepath.Dir(path), scenario.Workload)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Workload == "" && len(s.Intents) == 0 {
		return fmt.Errorf("workload or intents is required")
	}
	if s.Workload != "" {
		if _, err := os.Stat(s.Workload); err != nil {
			return fmt.Errorf("workload file not found: %s", s.Workload)
		}
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, d := range s.Domains {
		if d.ID == "" || d.Type == "" {
			return fmt.Errorf("domains[%d]: id and type are required", i)
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Intent == "" {
		return fmt.Errorf("assertions[%d]: intent is required", index)
	}

	switch a.Type {
	case AssertIntentState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for intent_state", index)
		}
	case AssertOutputValue:
		if a.Output == "" {
			return fmt.Errorf("assertions[%d]: output is required for output_value", index)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for output_value", index)
		}
	case AssertEffectCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for effect_count", index)
		}
	case AssertEffectOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for effect_order", index)
		}
	case AssertErrorCode:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for error_code", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
