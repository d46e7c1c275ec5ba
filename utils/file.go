package utils

import (
	"io"
	"os"
	"path/filepath"
)

// EnsureDir creates a directory (and parents) if it doesn't exist
func EnsureDir(path string) error {
	return os.MkdirAll(path, os.ModePerm)
}

// CopyFile copies src over dst, creating parent directories as needed.
// Used to swap the trusted per-language Dockerfile over whatever the
// submission shipped with.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// FileHasSize reports whether path exists as a regular file of at least
// minBytes. Cached submission archives below 1KiB are treated as truncated
// downloads and re-fetched.
func FileHasSize(path string, minBytes int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() >= minBytes
}
