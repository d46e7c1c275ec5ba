package services

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code-arena-system/models"
)

func writeClientTree(t *testing.T, root, dirName string, files ...string) string {
	t.Helper()
	clientDir := filepath.Join(root, dirName)
	require.NoError(t, os.MkdirAll(clientDir, 0o755))
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(clientDir, name), []byte("x\n"), 0o644))
	}
	return clientDir
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestVerifyAcceptsWellFormedSubmission(t *testing.T) {
	root := t.TempDir()
	want := writeClientTree(t, root, "client.py", "Makefile", "run", "main.py")

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: http.DefaultClient}
	lang, clientDir, err := f.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, "py", lang)
	assert.Equal(t, want, clientDir)
}

func TestVerifyAcceptsLowercaseMakefile(t *testing.T) {
	root := t.TempDir()
	writeClientTree(t, root, "client.cpp", "makefile", "run")

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: http.DefaultClient}
	lang, _, err := f.Verify(root)
	require.NoError(t, err)
	assert.Equal(t, "cpp", lang)
}

func TestVerifyRejectsMissingRunFile(t *testing.T) {
	root := t.TempDir()
	writeClientTree(t, root, "client.py", "Makefile")

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: http.DefaultClient}
	_, _, err := f.Verify(root)
	assert.ErrorIs(t, err, ErrInvalidStructure)
}

func TestVerifyRejectsMissingMakefile(t *testing.T) {
	root := t.TempDir()
	writeClientTree(t, root, "client.py", "run")

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: http.DefaultClient}
	_, _, err := f.Verify(root)
	assert.ErrorIs(t, err, ErrInvalidStructure)
}

func TestVerifyRejectsUnknownLanguage(t *testing.T) {
	root := t.TempDir()
	writeClientTree(t, root, "client.rb", "Makefile", "run")

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: http.DefaultClient}
	_, _, err := f.Verify(root)
	assert.ErrorIs(t, err, ErrUnknownLanguage)
}

func TestVerifyRejectsMissingClientDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: http.DefaultClient}
	_, _, err := f.Verify(root)
	assert.ErrorIs(t, err, ErrInvalidStructure)
}

func TestFetchDownloadsAndExtracts(t *testing.T) {
	archive := zipBytes(t, map[string]string{
		"client.py/Makefile": "all:\n",
		"client.py/run":      "#!/bin/sh\n",
		"client.py/main.py":  "print('hi')\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: srv.Client()}
	dir, err := f.Fetch(&models.Submission{ID: "sub1", ArchiveURL: srv.URL + "/sub1.zip"})
	require.NoError(t, err)

	lang, _, err := f.Verify(dir)
	require.NoError(t, err)
	assert.Equal(t, "py", lang)

	// A second fetch reuses the extracted tree.
	again, err := f.Fetch(&models.Submission{ID: "sub1", ArchiveURL: srv.URL + "/sub1.zip"})
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestFetchCorruptArchiveIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not a zip file"))
	}))
	defer srv.Close()

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: srv.Client()}
	_, err := f.Fetch(&models.Submission{ID: "sub2", ArchiveURL: srv.URL + "/sub2.zip"})
	assert.ErrorIs(t, err, ErrCorruptArchive)

	// The rotten cached copy is gone, so a new upload starts clean.
	_, statErr := os.Stat(filepath.Join(f.CachePath, "submission_sub2.zip"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := &SubmissionFetcher{CachePath: t.TempDir(), HTTPClient: srv.Client()}
	_, err := f.Fetch(&models.Submission{ID: "sub3", ArchiveURL: srv.URL + "/sub3.zip"})
	assert.ErrorIs(t, err, ErrDownload)
}
