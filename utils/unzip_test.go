package utils

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	w := zip.NewWriter(out)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestExtractArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sub.zip")
	writeZip(t, src, map[string]string{
		"client.py/Makefile": "all:\n",
		"client.py/run":      "#!/bin/sh\n",
		"README":             "hello\n",
	})

	dest := t.TempDir()
	names, err := ExtractArchive(src, dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"client.py", "README"}, names)

	data, err := os.ReadFile(filepath.Join(dest, "client.py", "run"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
}

func TestExtractArchiveRejectsPathTraversal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, src, map[string]string{
		"../escape.txt": "pwned\n",
	})

	dest := t.TempDir()
	_, err := ExtractArchive(src, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal file path")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractArchiveRejectsGarbage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "junk.zip")
	require.NoError(t, os.WriteFile(src, []byte("not a zip"), 0o644))

	_, err := ExtractArchive(src, t.TempDir())
	assert.Error(t, err)
}

func TestFileHasSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))

	assert.True(t, FileHasSize(path, 1024))
	assert.False(t, FileHasSize(path, 4096))
	assert.False(t, FileHasSize(filepath.Join(t.TempDir(), "missing"), 1))
}
