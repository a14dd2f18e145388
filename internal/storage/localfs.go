package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNetworkFilesystem reports a database path on a remote mount, where
// SQLite locking is unreliable.
var ErrNetworkFilesystem = errors.New("sqlite database is on a network filesystem")

// CheckLocal verifies that path (or its nearest existing parent) is on a
// local filesystem. Platforms without detection always pass.
func CheckLocal(path string) error {
	return checkLocal(path, filesystemType)
}

func checkLocal(path string, detect func(string) (string, bool, error)) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir, err := existingParent(path)
	if err != nil {
		return err
	}
	fsType, remote, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if remote {
		return fmt.Errorf("%w: %s (%s)", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

func existingParent(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for dir := abs; ; {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}
