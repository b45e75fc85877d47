// Package episode groups the artifacts of one ingestion call so later
// audits can answer "what did this turn produce".
package episode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"recall/internal/logging"
	"recall/internal/types"
)

const snapshotFile = "episodes.json"

// Store keeps episodes in memory with a JSON snapshot on disk. Writes
// schedule a debounced save.
type Store struct {
	mu sync.RWMutex

	path   string
	byID   map[string]*types.Episode
	byItem map[string][]string // item id -> episode ids

	dirty bool
}

// Open loads the snapshot under dir if present.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create episode dir: %w", err)
	}
	s := &Store{
		path:   filepath.Join(dir, snapshotFile),
		byID:   make(map[string]*types.Episode),
		byItem: make(map[string][]string),
	}
	if data, err := os.ReadFile(s.path); err == nil {
		var eps []*types.Episode
		if jsonErr := json.Unmarshal(data, &eps); jsonErr != nil {
			logging.Get(logging.CategoryEngine).Warn("episode snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			for _, ep := range eps {
				s.indexLocked(ep)
			}
		}
	}
	return s, nil
}

func (s *Store) indexLocked(ep *types.Episode) {
	s.byID[ep.ID] = ep
	for _, itemID := range ep.MemoryIDs {
		s.byItem[itemID] = append(s.byItem[itemID], ep.ID)
	}
}

// Record creates an episode for one ingestion call.
func (s *Store) Record(content, sourceType, sourceDesc string, memoryIDs, relationIDs, entityIDs []string) (*types.Episode, error) {
	ep := &types.Episode{
		ID:                types.NewEpisodeID(),
		Content:           content,
		SourceType:        sourceType,
		SourceDescription: sourceDesc,
		MemoryIDs:         memoryIDs,
		RelationIDs:       relationIDs,
		EntityEdges:       entityIDs,
		CreatedAt:         time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexLocked(ep)
	s.markDirtyLocked()
	return ep, nil
}

// Get returns an episode by id.
func (s *Store) Get(id string) (*types.Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.byID[id]
	return ep, ok
}

// ForItem returns the episodes that produced the given item.
func (s *Store) ForItem(itemID string) []*types.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Episode
	for _, id := range s.byItem[itemID] {
		if ep, ok := s.byID[id]; ok {
			out = append(out, ep)
		}
	}
	return out
}

// Recent returns the n newest episodes, newest first.
func (s *Store) Recent(n int) []*types.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*types.Episode, 0, len(s.byID))
	for _, ep := range s.byID {
		all = append(all, ep)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Count returns the number of episodes.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// RemoveByItemIDs strips item references; episodes left referencing
// nothing are dropped.
func (s *Store) RemoveByItemIDs(ids map[string]struct{}) int {
	if len(ids) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for epID, ep := range s.byID {
		kept := ep.MemoryIDs[:0]
		for _, itemID := range ep.MemoryIDs {
			if _, gone := ids[itemID]; !gone {
				kept = append(kept, itemID)
			}
		}
		ep.MemoryIDs = kept
		if len(kept) == 0 {
			delete(s.byID, epID)
			removed++
		}
	}
	for itemID := range ids {
		delete(s.byItem, itemID)
	}
	if removed > 0 {
		s.markDirtyLocked()
	}
	return removed
}

// Clear drops everything and persists the empty state.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.byID = make(map[string]*types.Episode)
	s.byItem = make(map[string][]string)
	s.dirty = true
	s.mu.Unlock()
	return s.Flush()
}

// markDirtyLocked schedules a debounced save. Caller holds s.mu.
func (s *Store) markDirtyLocked() {
	if s.dirty {
		return
	}
	s.dirty = true
	time.AfterFunc(5*time.Second, func() {
		if err := s.Flush(); err != nil {
			logging.Get(logging.CategoryEngine).Error("episode auto-save failed: %v", err)
		}
	})
}

// Flush persists the snapshot if anything changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	eps := make([]*types.Episode, 0, len(s.byID))
	for _, ep := range s.byID {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })

	data, err := json.MarshalIndent(eps, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}
