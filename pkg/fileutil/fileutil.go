// Package fileutil writes snapshot files with tmp+rename semantics so a
// dashboard reading the data directory never sees a half-written file.
package fileutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/eunmann/mail-metrics/pkg/logging"
)

const tmpSuffix = ".tmp"

// Exists returns true if the path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteTmpThenMove calls writeFunc with a temporary path next to outPath,
// fsyncs the result, and renames it over outPath. On any failure the
// temporary file is removed and outPath is left untouched.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + tmpSuffix
	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// CleanupTmpFiles removes leftover .tmp files under dir, typically from a
// run that was killed mid-write.
func CleanupTmpFiles(dir string) error {
	var removed int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}
		if !d.IsDir() && strings.HasSuffix(path, tmpSuffix) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		logging.L().Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}
	return err
}

// ListFiles returns the regular files directly inside dir whose names end
// in ext, sorted by name.
func ListFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ext) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(out)
	return out, nil
}
