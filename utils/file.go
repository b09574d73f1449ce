package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"
)

// StaleTempAge is how old an abandoned atomic-write temp file must be before GC removes it.
const StaleTempAge = time.Hour

// EnsureDirs creates every dir with 0o750.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ScanSubdirs lists the immediate subdirectories of dir. A missing dir is empty.
func ScanSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// FindStaleTemps walks root and returns temp files left by interrupted
// atomic writes that are older than age.
func FindStaleTemps(root string, age time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-age)
	var stale []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), TempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // vanished between readdir and stat
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, path)
		}
		return nil
	})
	return stale, err
}

// RemovePaths removes each path and logs it. Returns one error per failure.
func RemovePaths(ctx context.Context, paths []string) []error {
	logger := log.WithFunc("utils.RemovePaths")
	var errs []error
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
			continue
		}
		logger.Infof(ctx, "removed %s", p)
	}
	return errs
}
