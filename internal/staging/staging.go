// Package staging copies submission inputs into the backend's input
// directory under a per-batch subdirectory, so source files can move or
// disappear after submit without breaking queued work.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dirname is the staging root created inside the backend input directory.
const Dirname = "_renderq_staging"

var (
	stemSanitizer   = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)
	suffixSanitizer = regexp.MustCompile(`[^A-Za-z0-9]+`)
	validSuffix     = regexp.MustCompile(`^\.[A-Za-z0-9]+$`)
)

// StagedFile pairs a source path with its staged copy. Source is what the
// queue records as the prompt input; Staged is what the graph references.
type StagedFile struct {
	Source string
	Staged string
}

// Batch is the result of staging one submission's inputs.
type Batch struct {
	Dir   string
	Files []StagedFile
}

// Stage copies every source file into a fresh batch directory under
// inputDir/_renderq_staging/<token>/. Filenames are sanitized and deduped
// within the batch. Any missing source fails the whole batch.
func Stage(sources []string, inputDir string) (*Batch, error) {
	token := uuid.NewString()
	batchDir := filepath.Join(inputDir, Dirname, token)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	batch := &Batch{Dir: batchDir}
	for _, source := range sources {
		abs, err := filepath.Abs(source)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", source, err)
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			return nil, fmt.Errorf("input file not found for staging: %s", abs)
		}
		dest := dedupeDest(batchDir, sanitizeFilename(filepath.Base(abs)))
		if err := copyFile(abs, dest); err != nil {
			return nil, fmt.Errorf("stage %s: %w", abs, err)
		}
		batch.Files = append(batch.Files, StagedFile{Source: abs, Staged: dest})
	}
	return batch, nil
}

// sanitizeFilename keeps only filesystem-safe characters in the stem and a
// plain alphanumeric extension, lowercased.
func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	suffix := filepath.Ext(base)
	stem := strings.TrimSuffix(base, suffix)

	stem = strings.Trim(stemSanitizer.ReplaceAllString(stem, "_"), "._")
	if stem == "" {
		stem = "input"
	}
	if suffix != "" && !validSuffix.MatchString(suffix) {
		cleaned := suffixSanitizer.ReplaceAllString(suffix, "")
		if cleaned != "" {
			suffix = "." + cleaned
		} else {
			suffix = ""
		}
	}
	return stem + strings.ToLower(suffix)
}

// dedupeDest appends __2, __3, ... until the candidate name is free within
// the batch directory.
func dedupeDest(dir, filename string) string {
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	suffix := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, suffix)
	for idx := 2; ; idx++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s__%d%s", stem, idx, suffix))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

// CleanStale removes batch directories older than maxAge. Callers should
// skip batches still referenced by active prompts; the age bound is the
// backstop for batches whose jobs finished long ago.
func CleanStale(inputDir string, maxAge time.Duration, inUse func(batchDir string) bool) (int, error) {
	root := filepath.Join(inputDir, Dirname)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		batchDir := filepath.Join(root, entry.Name())
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if inUse != nil && inUse(batchDir) {
			continue
		}
		if err := os.RemoveAll(batchDir); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
