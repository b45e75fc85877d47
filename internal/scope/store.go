// Package scope keeps the per-tenant working memory: every partition
// (user, character, session) owns a JSON file of its items, its focus set
// and its planted foreshadowings. The volume log is the archive of record;
// this layer is what retrieval reads and update/delete mutate.
package scope

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"recall/internal/logging"
	"recall/internal/types"
)

const memoriesFile = "memories.json"

// partition is the in-memory state of one scope.
type partition struct {
	scope       types.Scope
	items       map[string]*types.Item
	focus       *FocusSet
	foreshadows map[string]*types.Foreshadowing
	dirty       bool
}

type partitionSnapshot struct {
	Items       []*types.Item          `json:"items"`
	Focus       []*focusEntry          `json:"focus,omitempty"`
	Foreshadows []*types.Foreshadowing `json:"foreshadowings,omitempty"`
}

// Store manages every partition under one data root.
type Store struct {
	mu sync.RWMutex

	root       string
	partitions map[string]*partition
}

// Open scans root for existing partitions and loads them.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scope root: %w", err)
	}
	s := &Store{
		root:       root,
		partitions: make(map[string]*partition),
	}

	matches, err := filepath.Glob(filepath.Join(root, "*", "*", "*", memoriesFile))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			continue
		}
		sc := types.Scope{UserID: parts[0], CharacterID: parts[1], SessionID: parts[2]}
		p, loadErr := loadPartition(path, sc)
		if loadErr != nil {
			logging.Get(logging.CategoryScope).Warn("partition %s unreadable, starting empty: %v", rel, loadErr)
			p = newPartition(sc)
		}
		s.partitions[sc.Key()] = p
	}
	logging.Get(logging.CategoryScope).Info("scope store opened: %d partitions", len(s.partitions))
	return s, nil
}

func newPartition(sc types.Scope) *partition {
	return &partition{
		scope:       sc,
		items:       make(map[string]*types.Item),
		focus:       NewFocusSet(),
		foreshadows: make(map[string]*types.Foreshadowing),
	}
}

func loadPartition(path string, sc types.Scope) (*partition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap partitionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	p := newPartition(sc)
	for _, it := range snap.Items {
		p.items[it.ID] = it
	}
	p.focus = focusFromSnapshot(snap.Focus)
	for _, f := range snap.Foreshadows {
		p.foreshadows[f.ID] = f
	}
	return p, nil
}

// get returns the partition for a scope, creating it when create is set.
// Caller holds s.mu for writing when create is true.
func (s *Store) getLocked(sc types.Scope, create bool) *partition {
	key := sc.Key()
	p, ok := s.partitions[key]
	if !ok && create {
		p = newPartition(sc.Normalize())
		s.partitions[key] = p
	}
	return p
}

// Add stores an item in its scope's partition.
func (s *Store) Add(it *types.Item) error {
	if it == nil || it.ID == "" {
		return types.ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(it.Scope, true)
	p.items[it.ID] = it
	p.dirty = true
	return nil
}

// Get returns an item by id within a scope. The focus set records the
// access at the given turn.
func (s *Store) Get(sc types.Scope, id string, turn int64) (*types.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil, types.ErrNotFound
	}
	it, ok := p.items[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	p.focus.Touch(id, turn)
	return it, nil
}

// Contains reports whether the scope holds the item without touching the
// focus set.
func (s *Store) Contains(sc types.Scope, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return false
	}
	_, ok := p.items[id]
	return ok
}

// Update replaces an item's mutable fields. Content edits here do not
// rewrite the archive log; the working copy is authoritative for reads.
func (s *Store) Update(sc types.Scope, id string, mutate func(*types.Item)) (*types.Item, error) {
	if mutate == nil {
		return nil, types.ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil, types.ErrNotFound
	}
	it, ok := p.items[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	mutate(it)
	p.dirty = true
	return it, nil
}

// Delete removes an item from its partition.
func (s *Store) Delete(sc types.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return types.ErrNotFound
	}
	if _, ok := p.items[id]; !ok {
		return types.ErrNotFound
	}
	delete(p.items, id)
	p.focus.Remove(id)
	p.dirty = true
	return nil
}

// GetAll returns every item in the scope ordered by turn number.
func (s *Store) GetAll(sc types.Scope) []*types.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil
	}
	return sortedByTurn(p.items)
}

// GetRecent returns the n newest items in the scope, newest first.
func (s *Store) GetRecent(sc types.Scope, n int) []*types.Item {
	all := s.GetAll(sc)
	if len(all) == 0 {
		return nil
	}
	// reverse to newest-first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// SearchContent returns items whose content contains the query substring,
// case-insensitively, capped at max.
func (s *Store) SearchContent(sc types.Scope, query string, max int) []*types.Item {
	query = strings.ToLower(query)
	if query == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil
	}
	var out []*types.Item
	for _, it := range sortedByTurn(p.items) {
		if strings.Contains(strings.ToLower(it.Content), query) {
			out = append(out, it)
			if max > 0 && len(out) >= max {
				break
			}
		}
	}
	return out
}

// Count returns the number of items in the scope.
func (s *Store) Count(sc types.Scope) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Scopes lists every known partition.
func (s *Store) Scopes() []types.Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Scope, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p.scope)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// FocusTop returns the scope's highest-focus item ids at the given turn.
func (s *Store) FocusTop(sc types.Scope, n int, turn int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil
	}
	return p.focus.Top(n, turn)
}

// FocusScore returns the scope's focus score for one item.
func (s *Store) FocusScore(sc types.Scope, id string, turn int64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return 0
	}
	return p.focus.Score(id, turn)
}

// TouchFocus records retrieval hits against the focus set.
func (s *Store) TouchFocus(sc types.Scope, ids []string, turn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return
	}
	for _, id := range ids {
		p.focus.Touch(id, turn)
	}
	p.dirty = true
}

// Clear drops the partition's items, focus set and foreshadowings, and
// removes its directory.
func (s *Store) Clear(sc types.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sc.Key()
	if _, ok := s.partitions[key]; !ok {
		return nil
	}
	delete(s.partitions, key)
	dir := filepath.Join(s.root, filepath.FromSlash(sc.Path()))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove partition dir: %w", err)
	}
	return nil
}

// =============================================================================
// FORESHADOWING
// =============================================================================

// Plant stores a new unresolved foreshadowing in the scope.
func (s *Store) Plant(sc types.Scope, content string, keywords, entities []string, importance float64, turn int64) (*types.Foreshadowing, error) {
	if strings.TrimSpace(content) == "" {
		return nil, types.ErrValidation
	}
	if importance <= 0 {
		importance = 0.5
	}
	f := &types.Foreshadowing{
		ID:              types.NewForeshadowID(),
		Content:         content,
		TriggerKeywords: keywords,
		RelatedEntities: entities,
		Status:          types.ForeshadowUnresolved,
		Importance:      importance,
		CreatedTurn:     turn,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, true)
	p.foreshadows[f.ID] = f
	p.dirty = true
	return f, nil
}

// Foreshadows returns the scope's foreshadowings, optionally filtered by
// status, ordered by creation turn.
func (s *Store) Foreshadows(sc types.Scope, status string) []*types.Foreshadowing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil
	}
	var out []*types.Foreshadowing
	for _, f := range p.foreshadows {
		if status == "" || f.Status == status {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTurn != out[j].CreatedTurn {
			return out[i].CreatedTurn < out[j].CreatedTurn
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve marks a foreshadowing resolved with the given resolution text.
func (s *Store) Resolve(sc types.Scope, id, resolution string, turn int64) (*types.Foreshadowing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return nil, types.ErrNotFound
	}
	f, ok := p.foreshadows[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	f.Status = types.ForeshadowResolved
	f.ResolutionTurn = &turn
	f.ResolutionContent = resolution
	p.dirty = true
	return f, nil
}

// MarkPossiblyTriggered flips an unresolved foreshadowing to
// POSSIBLY_TRIGGERED. Resolved entries are left alone.
func (s *Store) MarkPossiblyTriggered(sc types.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(sc, false)
	if p == nil {
		return types.ErrNotFound
	}
	f, ok := p.foreshadows[id]
	if !ok {
		return types.ErrNotFound
	}
	if f.Status == types.ForeshadowUnresolved {
		f.Status = types.ForeshadowPossiblyTriggered
		p.dirty = true
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Flush writes every dirty partition.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, p := range s.partitions {
		if !p.dirty {
			continue
		}
		if err := s.writePartitionLocked(p); err != nil {
			logging.Get(logging.CategoryScope).Error("partition %s flush failed: %v", p.scope.Path(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.dirty = false
	}
	return firstErr
}

func (s *Store) writePartitionLocked(p *partition) error {
	dir := filepath.Join(s.root, filepath.FromSlash(p.scope.Path()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	snap := partitionSnapshot{
		Items: sortedByTurn(p.items),
		Focus: p.focus.snapshot(),
	}
	for _, f := range p.foreshadows {
		snap.Foreshadows = append(snap.Foreshadows, f)
	}
	sort.Slice(snap.Foreshadows, func(i, j int) bool { return snap.Foreshadows[i].ID < snap.Foreshadows[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, memoriesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}

func sortedByTurn(items map[string]*types.Item) []*types.Item {
	out := make([]*types.Item, 0, len(items))
	for _, it := range items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TurnNumber != out[j].TurnNumber {
			return out[i].TurnNumber < out[j].TurnNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
