package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
}

func TestFindFilesByExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, dir, "b.hcl", "a.json", "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.hcl"), 0o755))

	files, err := FindFilesByExtension(dir, ".hcl", ".json")

	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.hcl")}, files)
}

func TestResolveDocument(t *testing.T) {
	t.Parallel()

	t.Run("file is returned as is", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "sweep.txt")
		path := filepath.Join(dir, "sweep.txt")

		got, err := ResolveDocument(path, ".hcl")

		require.NoError(t, err)
		assert.Equal(t, path, got)
	})

	t.Run("directory with one document", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "sweep.hcl", "README.md")

		got, err := ResolveDocument(dir, ".hcl", ".json")

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "sweep.hcl"), got)
	})

	t.Run("directory without documents", func(t *testing.T) {
		_, err := ResolveDocument(t.TempDir(), ".hcl")
		require.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("ambiguous directory", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "a.hcl", "b.hcl")

		_, err := ResolveDocument(dir, ".hcl")

		require.ErrorContains(t, err, "expected one document, found 2")
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := ResolveDocument(filepath.Join(t.TempDir(), "nope"), ".hcl")
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
}
