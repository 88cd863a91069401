package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// env is an isolated working area: a config file pointing at a database
// and snapshot directory under t.TempDir.
type env struct {
	dir         string
	config      string
	database    string
	snapshotDir string
}

func newEnv(t *testing.T, withDB bool) env {
	t.Helper()
	dir := t.TempDir()
	e := env{dir: dir, config: filepath.Join(dir, "causality.yaml"), snapshotDir: filepath.Join(dir, "snapshots")}
	cfg := fmt.Sprintf("snapshot_dir: %q\nworkers: 1\nlog:\n  level: error\n", e.snapshotDir)
	if withDB {
		e.database = filepath.Join(dir, "causality.db")
		cfg += fmt.Sprintf("database: %q\n", e.database)
	}
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o644))
	return e
}

// execute runs the root command with the env's config and args.
func (e env) execute(args ...string) (string, string, error) {
	cmd := NewRootCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"-c", e.config}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// decodeData unmarshals the data of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}
