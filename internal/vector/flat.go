package vector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"recall/internal/logging"
	"recall/internal/types"
)

const flatSnapshotFile = "vector_flat.json"

// Flat is the brute-force backend: every stored vector is scored against
// the query. Exact, and fast enough below a few tens of thousands of items.
type Flat struct {
	mu sync.RWMutex

	path    string
	entries map[string]*entry
	dim     int
	dirty   bool
}

// OpenFlat loads the snapshot if present.
func OpenFlat(dir string) (*Flat, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector dir: %w", err)
	}
	f := &Flat{
		path:    filepath.Join(dir, flatSnapshotFile),
		entries: make(map[string]*entry),
	}
	if data, err := os.ReadFile(f.path); err == nil {
		var stored []*entry
		if jsonErr := json.Unmarshal(data, &stored); jsonErr != nil {
			logging.Get(logging.CategoryVector).Warn("flat snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			for _, e := range stored {
				f.entries[e.ID] = e
				f.dim = len(e.Vec)
			}
		}
	}
	return f, nil
}

// Add stores a vector under id, normalizing it first. Re-adding an id
// replaces its vector.
func (f *Flat) Add(id string, scope types.Scope, vec []float32) error {
	if id == "" || len(vec) == 0 {
		return types.ErrValidation
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dim != 0 && len(vec) != f.dim {
		return fmt.Errorf("dimension mismatch: index holds %d, got %d: %w", f.dim, len(vec), types.ErrValidation)
	}
	f.dim = len(vec)
	f.entries[id] = &entry{ID: id, Scope: scope.Normalize(), Vec: Normalize(vec)}
	f.dirty = true
	return nil
}

// Search returns the k nearest stored vectors by cosine similarity,
// restricted to scope when one is given.
func (f *Flat) Search(query []float32, k int, scope *types.Scope) ([]Match, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	q := Normalize(append([]float32(nil), query...))

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.dim != 0 && len(q) != f.dim {
		return nil, fmt.Errorf("dimension mismatch: index holds %d, got %d: %w", f.dim, len(q), types.ErrValidation)
	}

	matches := make([]Match, 0, len(f.entries))
	for _, e := range f.entries {
		if !matchesScope(e, scope) {
			continue
		}
		matches = append(matches, Match{ID: e.ID, Score: Dot(q, e.Vec), Scope: e.Scope})
	}
	return topK(matches, k), nil
}

// Remove drops the given ids.
func (f *Flat) Remove(ids map[string]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range ids {
		if _, ok := f.entries[id]; ok {
			delete(f.entries, id)
			f.dirty = true
		}
	}
	return nil
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Flush persists the snapshot if anything changed.
func (f *Flat) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	return f.flushLocked()
}

func (f *Flat) flushLocked() error {
	stored := make([]*entry, 0, len(f.entries))
	for _, e := range f.entries {
		stored = append(stored, e)
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Clear drops everything and persists the empty state.
func (f *Flat) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]*entry)
	f.dim = 0
	f.dirty = true
	return f.flushLocked()
}

// Close flushes and releases the index.
func (f *Flat) Close() error {
	return f.Flush()
}
