// utils/unzip.go
package utils

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Submissions are competitor-controlled, so cap what a single archive may
// expand to before we hand it to the builder.
const maxExtractedBytes int64 = 512 * 1024 * 1024 // 512MB

// ExtractArchive extracts a zip file to the destination directory and returns
// the top-level entry names. Rejects path traversal (zip slip) and archives
// that expand past maxExtractedBytes.
func ExtractArchive(src, dest string) ([]string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	topLevel := map[string]bool{}
	var written int64

	for _, f := range r.File {
		path := filepath.Join(dest, f.Name)

		// ✅ Security: prevent zip slip (path traversal)
		if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("illegal file path: %s", f.Name)
		}

		if root := strings.Split(filepath.ToSlash(f.Name), "/")[0]; root != "" {
			topLevel[root] = true
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, os.ModePerm); err != nil {
				return nil, err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, err
		}

		outFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return nil, err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return nil, err
		}

		n, err := io.Copy(outFile, io.LimitReader(rc, maxExtractedBytes-written))
		written += n

		outFile.Close()
		rc.Close()

		if err != nil {
			return nil, err
		}
		if written >= maxExtractedBytes {
			return nil, fmt.Errorf("archive expands past %d bytes", maxExtractedBytes)
		}
	}

	names := make([]string, 0, len(topLevel))
	for name := range topLevel {
		names = append(names, name)
	}
	return names, nil
}
