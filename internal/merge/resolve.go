package merge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when an identifier is neither a directory nor a
// cached model.
var ErrNotFound = errors.New("merge: model not found")

// Resolve maps a model identifier to a directory. An existing directory is
// used as is; otherwise "org/name" is looked up in the hub cache layout
// <cacheDir>/models--org--name/snapshots/<revision>, taking the
// lexicographically last revision.
func Resolve(id, cacheDir string) (string, error) {
	if info, err := os.Stat(id); err == nil && info.IsDir() {
		return id, nil
	}
	if cacheDir == "" {
		return "", fmt.Errorf("%w: %s is not a directory and no cache dir is set", ErrNotFound, id)
	}

	snapshots := filepath.Join(cacheDir, "models--"+strings.ReplaceAll(id, "/", "--"), "snapshots")
	entries, err := os.ReadDir(snapshots)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	var revisions []string
	for _, e := range entries {
		if e.IsDir() {
			revisions = append(revisions, e.Name())
		}
	}
	if len(revisions) == 0 {
		return "", fmt.Errorf("%w: %s has no snapshots in %s", ErrNotFound, id, cacheDir)
	}
	sort.Strings(revisions)
	return filepath.Join(snapshots, revisions[len(revisions)-1]), nil
}
