package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "causality", cmd.Use)
	assert.Contains(t, cmd.Long, "temporal effect graph")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"plan", "run", "serve", "snapshot", "verify", "export", "import", "test", "trace", "replay"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		command string
		flag    string
		def     string
	}{
		{"plan", "output", ""},
		{"run", "timeout", "30s"},
		{"run", "snapshot", "false"},
		{"serve", "addr", ""},
		{"serve", "shutdown-timeout", "5s"},
		{"export", "output", ""},
		{"import", "into", ""},
		{"test", "update", "false"},
		{"test", "filter", ""},
		{"trace", "db", ""},
		{"replay", "db", ""},
		{"replay", "mermaid", "false"},
	}
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.flag, func(t *testing.T) {
			sub, _, err := NewRootCommand().Find([]string{tt.command})
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestSnapshotSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"list", "show", "chain"} {
		sub, _, err := cmd.Find([]string{"snapshot", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestInvalidFormat(t *testing.T) {
	e := newEnv(t, false)
	_, _, err := e.execute("--format", "yaml", "snapshot", "list")
	require.Error(t, err)
	assert.Equal(t, ExitValidation, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestBadConfig(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, os.WriteFile(e.config, []byte("workers: 0\n"), 0o644))

	_, _, err := e.execute("snapshot", "list")
	require.Error(t, err)
	assert.Equal(t, ExitConfiguration, GetExitCode(err))
}

func TestUnknownConfigKey(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, os.WriteFile(e.config, []byte("no_such_key: 1\n"), 0o644))

	_, _, err := e.execute("snapshot", "list")
	require.Error(t, err)
	assert.Equal(t, ExitConfiguration, GetExitCode(err))
}

func TestMissingConfigUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cmd := NewRootCommand()
	cmd.SetOut(&nopWriter{})
	cmd.SetErr(&nopWriter{})
	cmd.SetArgs([]string{"-c", filepath.Join(dir, "absent.yaml"), "plan", "testdata/double.cue"})
	require.NoError(t, cmd.Execute())
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
