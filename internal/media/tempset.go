package media

import (
	"log/slog"
	"os"
	"sync"
)

// TempSet registers temporary files created during one job so they can all
// be released in a single deferred call regardless of how the pipeline
// exits. It is safe for concurrent use.
type TempSet struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

// NewTempSet returns an empty registry.
func NewTempSet() *TempSet {
	return &TempSet{paths: make(map[string]struct{})}
}

// Add registers paths for later removal.
func (t *TempSet) Add(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		t.paths[p] = struct{}{}
	}
}

// Remove unregisters paths and deletes them from disk immediately.
func (t *TempSet) Remove(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		delete(t.paths, p)
		removeFile(p)
	}
}

// Paths returns a snapshot of the registered paths.
func (t *TempSet) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.paths))
	for p := range t.paths {
		out = append(out, p)
	}
	return out
}

// RemoveAll deletes every registered file and empties the registry.
// Missing files are not an error; RemoveAll is idempotent.
func (t *TempSet) RemoveAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.paths {
		removeFile(p)
		delete(t.paths, p)
	}
}

func removeFile(p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		slog.Warn("media: failed to remove temp file", "path", p, "err", err)
	}
}
