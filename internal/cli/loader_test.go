package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkload_File(t *testing.T) {
	w, err := LoadWorkload("testdata/double.cue")
	require.NoError(t, err)
	require.Len(t, w.Resources, 1)
	require.Len(t, w.Intents, 1)
	assert.Equal(t, "y", w.Resources[0].Name)
	assert.Equal(t, "calc", w.Intents[0].ID)
	assert.NoError(t, validateWorkload(w))
}

func TestLoadWorkload_NotFound(t *testing.T) {
	_, err := LoadWorkload(filepath.Join(t.TempDir(), "absent.cue"))
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)
	assert.Equal(t, ExitValidation, GetExitCode(err))
}

func TestLoadWorkload_EmptyDir(t *testing.T) {
	_, err := LoadWorkload(t.TempDir())
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeNoFiles, le.Code)
	assert.Contains(t, le.Error(), "no CUE files found")
}

func TestLoadWorkload_SyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte("intents: {\n"), 0o644))

	_, err := LoadWorkload(path)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ExitValidation, GetExitCode(err))
}

func TestValidateWorkload_Invalid(t *testing.T) {
	w, err := LoadWorkload("testdata/invalid.cue")
	require.NoError(t, err)

	err = validateWorkload(w)
	require.Error(t, err)
	assert.Equal(t, ExitValidation, GetExitCode(err))
	assert.Contains(t, err.Error(), "E110")
}

func TestFindCUEFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.cue", "b.cue", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.cue"), nil, 0o644))

	files, err := FindCUEFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.cue"), filepath.Join(dir, "b.cue")}, files)
}
