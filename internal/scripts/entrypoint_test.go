package scripts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("# test\n"), 0o644))
}

func TestResolveEntryPoint_PrefersMainPy(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "helpers.py"))
	touch(t, filepath.Join(dir, "main.py"))

	got, err := ResolveEntryPoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.py"), got)
}

func TestResolveEntryPoint_FallsThroughPreferenceOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "start.py"))
	touch(t, filepath.Join(dir, "run.py"))

	got, err := ResolveEntryPoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.py"), got)
}

func TestResolveEntryPoint_FallsBackToFirstPythonFile(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "zeta.py"))
	touch(t, filepath.Join(dir, "alpha.py"))

	got, err := ResolveEntryPoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alpha.py"), got)
}

func TestResolveEntryPoint_SearchesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "pkg", "main.py"))

	got, err := ResolveEntryPoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pkg", "main.py"), got)
}

func TestResolveEntryPoint_NoPythonFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "readme.txt"))

	_, err := ResolveEntryPoint(dir)
	assert.Error(t, err)
}
