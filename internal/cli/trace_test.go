package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/store"
)

// recorded runs the double workload against a database.
func recorded(t *testing.T) env {
	t.Helper()
	e := newEnv(t, true)
	_, _, err := e.execute("run", "testdata/double.cue")
	require.NoError(t, err)
	return e
}

func TestTrace_NoDatabase(t *testing.T) {
	e := newEnv(t, false)
	_, _, err := e.execute("trace", "calc")
	require.Error(t, err)
	assert.Equal(t, ExitValidation, GetExitCode(err))
	assert.Contains(t, err.Error(), "no database")
}

func TestTrace_Intent(t *testing.T) {
	e := recorded(t)
	out, _, err := e.execute("--format", "json", "trace", "calc")
	require.NoError(t, err)

	var result TraceResult
	decodeData(t, out, &result)
	assert.Equal(t, "calc", result.Outcome.IntentID)
	assert.Equal(t, "success", result.Outcome.State)
	require.Len(t, result.Timeline, 1)
	ev := result.Timeline[0]
	assert.Equal(t, "calc/0/compute", ev.Label)
	assert.Equal(t, string(ir.EffectCompute), ev.Type)
	assert.Equal(t, "S", ev.Domain)
	assert.Equal(t, string(ir.EffectSuccess), ev.Status)
	assert.Len(t, ev.Outputs, 1)
}

func TestTrace_Text(t *testing.T) {
	e := recorded(t)
	out, _, err := e.execute("trace", "calc")
	require.NoError(t, err)
	assert.Contains(t, out, "Intent calc: success")
	assert.Contains(t, out, "calc/0/compute compute@S success")
}

func TestTrace_List(t *testing.T) {
	e := recorded(t)
	out, _, err := e.execute("--format", "json", "trace")
	require.NoError(t, err)

	var outcomes []TraceOutcome
	decodeData(t, out, &outcomes)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "calc", outcomes[0].IntentID)
}

func TestTrace_DBFlag(t *testing.T) {
	e := recorded(t)
	other := newEnv(t, false)
	out, _, err := other.execute("trace", "--db", e.database)
	require.NoError(t, err)
	assert.Contains(t, out, "calc")
}

func TestTrace_UnknownIntent(t *testing.T) {
	e := recorded(t)
	_, _, err := e.execute("trace", "nope")
	require.Error(t, err)
}

func TestBuildTrace_Failure(t *testing.T) {
	e := newEnv(t, true)
	_, _, err := e.execute("run", "testdata/broken.cue")
	require.Error(t, err)

	db, err := store.Open(e.database)
	require.NoError(t, err)
	defer db.Close()

	result, err := buildTrace(context.Background(), db, "broken")
	require.NoError(t, err)
	assert.Equal(t, "failure", result.Outcome.State)
	assert.Equal(t, "UNKNOWN_TRANSFORM", result.Outcome.ErrorCode)
	assert.NotEmpty(t, result.Outcome.ErrorMessage)
}

func TestReplay_All(t *testing.T) {
	e := recorded(t)
	out, _, err := e.execute("--format", "json", "replay")
	require.NoError(t, err)

	var result ReplayResult
	decodeData(t, out, &result)
	assert.Equal(t, 1, result.Total)
	assert.True(t, result.AllDeterministic)
	require.Len(t, result.Intents, 1)
	r := result.Intents[0]
	assert.Equal(t, "calc", r.IntentID)
	assert.Equal(t, "success", r.State)
	assert.Equal(t, 1, r.Effects)
	assert.True(t, r.Deterministic)
	assert.Empty(t, r.Mermaid)
}

func TestReplay_Mermaid(t *testing.T) {
	e := recorded(t)
	out, _, err := e.execute("replay", "calc", "--mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ calc (success)")
	assert.Contains(t, out, "flowchart TD")
	assert.Contains(t, out, "✓ All replays deterministic")
}

func TestReplay_Empty(t *testing.T) {
	e := newEnv(t, false)
	out, _, err := e.execute("replay", "--db", filepath.Join(e.dir, "empty.db"))
	require.NoError(t, err)
	assert.Equal(t, "no recorded intents\n", out)
}
