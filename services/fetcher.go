package services

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"code-arena-system/models"
	"code-arena-system/utils"
)

// Languages the per-language Dockerfile directory knows how to build.
var KnownLanguages = []string{"py", "cpp", "cs", "lua", "java", "js", "ts"}

const clientDirPrefix = "client."

// SubmissionFetcher downloads a team's packaged code, caches it locally and
// checks it against the game's language profile before any build happens.
type SubmissionFetcher struct {
	CachePath  string
	HTTPClient *http.Client
}

func NewSubmissionFetcher() *SubmissionFetcher {
	cachePath := os.Getenv("SUBMISSION_CACHE_PATH")
	if cachePath == "" {
		cachePath = "/tmp/submission_cache"
	}
	return &SubmissionFetcher{
		CachePath:  cachePath,
		HTTPClient: utils.HTTPClient,
	}
}

func (f *SubmissionFetcher) archivePath(submissionID string) string {
	return filepath.Join(f.CachePath, fmt.Sprintf("submission_%s.zip", submissionID))
}

func (f *SubmissionFetcher) extractedPath(submissionID string) string {
	return filepath.Join(f.CachePath, fmt.Sprintf("submission_%s", submissionID))
}

// Fetch downloads and extracts a submission archive, reusing the local cache
// when present. Returns the extracted directory. Download problems are
// transient (ErrDownload); an archive that cannot be opened is terminal
// (ErrCorruptArchive).
func (f *SubmissionFetcher) Fetch(sub *models.Submission) (string, error) {
	archive := f.archivePath(sub.ID)
	extracted := f.extractedPath(sub.ID)

	// Archives below 1KiB are truncated downloads, not real submissions.
	if utils.FileHasSize(archive, 1024) {
		log.Printf("submission %s cached in %s", sub.ID, archive)
	} else {
		log.Printf("downloading submission %s to %s", sub.ID, archive)
		if err := f.download(sub.ArchiveURL, archive); err != nil {
			return "", fmt.Errorf("%w: %v", ErrDownload, err)
		}
	}

	if info, err := os.Stat(extracted); err == nil && info.IsDir() {
		log.Printf("submission %s already extracted to %s", sub.ID, extracted)
		return extracted, nil
	}

	log.Printf("extracting %s to %s", archive, extracted)
	if _, err := utils.ExtractArchive(archive, extracted); err != nil {
		// A bad archive will never get better; drop the cached copy so a
		// fresh submission row starts clean.
		os.Remove(archive)
		os.RemoveAll(extracted)
		return "", fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return extracted, nil
}

func (f *SubmissionFetcher) download(url, dest string) error {
	if err := utils.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}

	resp, err := f.HTTPClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive server returned status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

// Verify checks the extracted tree against the language profile: exactly one
// top-level client.<lang> directory with a known language extension, holding
// a Makefile and a run file. Returns the detected language and the client
// directory.
func (f *SubmissionFetcher) Verify(extractedDir string) (string, string, error) {
	entries, err := os.ReadDir(extractedDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidStructure, err)
	}

	var clientDir, language string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), clientDirPrefix) {
			continue
		}
		lang := strings.TrimPrefix(entry.Name(), clientDirPrefix)
		if !isKnownLanguage(lang) {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownLanguage, entry.Name())
		}
		clientDir = filepath.Join(extractedDir, entry.Name())
		language = lang
		break
	}
	if clientDir == "" {
		return "", "", fmt.Errorf("%w: no top-level %s<lang> directory", ErrInvalidStructure, clientDirPrefix)
	}

	files, err := os.ReadDir(clientDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidStructure, err)
	}
	names := map[string]bool{}
	for _, file := range files {
		names[file.Name()] = true
	}
	if !names["Makefile"] && !names["makefile"] {
		return "", "", fmt.Errorf("%w: missing Makefile", ErrInvalidStructure)
	}
	if !names["run"] {
		return "", "", fmt.Errorf(`%w: missing "run" file`, ErrInvalidStructure)
	}

	return language, clientDir, nil
}

// ValidateArchive opens the cached zip without extracting, used to
// distinguish a corrupt upload from a transient download failure.
func (f *SubmissionFetcher) ValidateArchive(submissionID string) error {
	r, err := zip.OpenReader(f.archivePath(submissionID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	return r.Close()
}

func isKnownLanguage(lang string) bool {
	for _, known := range KnownLanguages {
		if lang == known {
			return true
		}
	}
	return false
}
