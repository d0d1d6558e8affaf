// Package artifact answers whether stage outputs exist and where they live.
//
// Existence is the only validity signal. Nothing is cached: the filesystem is
// re-queried on every call because tools run as separate processes and runs
// resume across orchestrator invocations.
package artifact

import "os"

// Store reports whether an artifact path exists.
type Store interface {
	Exists(path string) bool
}

// FSStore checks the local filesystem.
type FSStore struct{}

// NewFSStore returns a filesystem-backed store.
func NewFSStore() FSStore {
	return FSStore{}
}

// Exists reports whether path exists (file or directory).
func (FSStore) Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// AllExist reports whether every path exists. Empty input is false.
func AllExist(s Store, paths ...string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !s.Exists(p) {
			return false
		}
	}
	return true
}

// Missing returns the paths that do not exist, in input order.
func Missing(s Store, paths ...string) []string {
	var out []string
	for _, p := range paths {
		if !s.Exists(p) {
			out = append(out, p)
		}
	}
	return out
}

// Verify FSStore implements Store.
var _ Store = FSStore{}
