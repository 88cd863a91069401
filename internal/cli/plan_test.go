package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
)

func TestPlan_Text(t *testing.T) {
	e := newEnv(t, false)
	out, _, err := e.execute("plan", "testdata/double.cue")
	require.NoError(t, err)
	assert.Contains(t, out, "calc (1 steps")
	assert.Contains(t, out, "compute")
	assert.Contains(t, out, "@S")
}

func TestPlan_JSON(t *testing.T) {
	e := newEnv(t, false)
	out, _, err := e.execute("--format", "json", "plan", "testdata/double.cue")
	require.NoError(t, err)

	var result PlanResult
	decodeData(t, out, &result)
	assert.Equal(t, []string{"calc"}, result.Order)
	require.Len(t, result.Plans, 1)
	plan := result.Plans[0]
	assert.Equal(t, "calc", plan.IntentID)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, ir.EffectCompute, plan.Steps[0].Type)
	assert.Equal(t, ir.DomainID("S"), plan.Steps[0].Domain)
	assert.Empty(t, result.Errors)
}

func TestPlan_OutputFile(t *testing.T) {
	e := newEnv(t, false)
	path := filepath.Join(e.dir, "plans.json")
	_, _, err := e.execute("plan", "testdata/double.cue", "-o", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var result PlanResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Plans, 1)
}

func TestPlan_DoesNotTouchDatabase(t *testing.T) {
	e := newEnv(t, true)
	_, _, err := e.execute("plan", "testdata/double.cue")
	require.NoError(t, err)
	_, err = os.Stat(e.database)
	assert.True(t, os.IsNotExist(err))
}

func TestPlan_InvalidWorkload(t *testing.T) {
	e := newEnv(t, false)
	_, _, err := e.execute("plan", "testdata/invalid.cue")
	require.Error(t, err)
	assert.Equal(t, ExitValidation, GetExitCode(err))
}

func TestPlan_MissingWorkload(t *testing.T) {
	e := newEnv(t, false)
	_, _, err := e.execute("plan", filepath.Join(e.dir, "absent.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitValidation, GetExitCode(err))
}
