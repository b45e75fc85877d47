package index

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

const entitySnapshotFile = "entity_index.json"

// confidence parameters: each re-mention moves confidence toward the
// ceiling by the step fraction of the remaining headroom.
const (
	confidenceCeiling = 1.0
	confidenceStep    = 0.1
)

// EntityIndex resolves entity names and aliases onto entity records and
// tracks which items mention them. Every name and alias maps to exactly
// one entity id.
type EntityIndex struct {
	mu sync.Mutex

	path string

	byID     map[string]*types.Entity
	nameToID map[string]string // lowercased name/alias -> entity id
}

// OpenEntity loads the snapshot if present.
func OpenEntity(dir string) (*EntityIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}
	x := &EntityIndex{
		path:     filepath.Join(dir, entitySnapshotFile),
		byID:     make(map[string]*types.Entity),
		nameToID: make(map[string]string),
	}

	if data, err := os.ReadFile(x.path); err == nil {
		var entities []*types.Entity
		if jsonErr := json.Unmarshal(data, &entities); jsonErr != nil {
			logging.Get(logging.CategoryIndex).Warn("entity snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			for _, e := range entities {
				x.byID[e.ID] = e
				x.indexNames(e)
			}
		}
	}
	return x, nil
}

func (x *EntityIndex) indexNames(e *types.Entity) {
	x.nameToID[strings.ToLower(e.Name)] = e.ID
	for _, a := range e.Aliases {
		x.nameToID[strings.ToLower(a)] = e.ID
	}
}

// AddOccurrence records that an item mentions an entity. An existing
// entity (located by name or alias, case-insensitively) gains the item
// reference, any new aliases, a confidence bump, and a type upgrade if it
// was previously UNKNOWN. Otherwise a fresh entity is created.
// Returns the resolved entity.
func (x *EntityIndex) AddOccurrence(name, itemID, entityType string, aliases []string, confidence float64) (*types.Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.ErrValidation
	}
	if entityType == "" {
		entityType = types.EntityTypeUnknown
	}
	if confidence <= 0 {
		confidence = 0.5
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	id, found := x.nameToID[strings.ToLower(name)]
	if !found {
		for _, a := range aliases {
			if aid, ok := x.nameToID[strings.ToLower(a)]; ok {
				id, found = aid, true
				break
			}
		}
	}

	var e *types.Entity
	if found {
		e = x.byID[id]
		if !containsFold(e.TurnReferences, itemID) {
			e.TurnReferences = append(e.TurnReferences, itemID)
		}
		for _, a := range aliases {
			if !e.HasAlias(a) {
				e.Aliases = append(e.Aliases, a)
			}
		}
		if !e.HasAlias(name) {
			e.Aliases = append(e.Aliases, name)
		}
		if e.Type == types.EntityTypeUnknown && entityType != types.EntityTypeUnknown {
			e.Type = entityType
		}
		e.Confidence += (confidenceCeiling - e.Confidence) * confidenceStep
		if e.Confidence > confidenceCeiling {
			e.Confidence = confidenceCeiling
		}
	} else {
		e = &types.Entity{
			ID:             types.NewEntityID(),
			Name:           name,
			Aliases:        dedupeFold(aliases),
			Type:           entityType,
			TurnReferences: []string{itemID},
			Confidence:     confidence,
		}
	}

	x.byID[e.ID] = e
	x.indexNames(e)
	return e, x.saveLocked()
}

// GetByName resolves a name or alias to its entity.
func (x *EntityIndex) GetByName(name string) (*types.Entity, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id, ok := x.nameToID[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	e, ok := x.byID[id]
	return e, ok
}

// GetByID returns the entity for an id.
func (x *EntityIndex) GetByID(id string) (*types.Entity, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.byID[id]
	return e, ok
}

// Search returns every entity whose name or any alias contains the query,
// case-insensitively.
func (x *EntityIndex) Search(query string) []*types.Entity {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	var out []*types.Entity
	for _, e := range x.byID {
		if strings.Contains(strings.ToLower(e.Name), query) {
			out = append(out, e)
			continue
		}
		for _, a := range e.Aliases {
			if strings.Contains(strings.ToLower(a), query) {
				out = append(out, e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetTop returns the n most-mentioned entities.
func (x *EntityIndex) GetTop(n int) []*types.Entity {
	x.mu.Lock()
	defer x.mu.Unlock()

	all := make([]*types.Entity, 0, len(x.byID))
	for _, e := range x.byID {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].MentionCount() != all[j].MentionCount() {
			return all[i].MentionCount() > all[j].MentionCount()
		}
		return all[i].Name < all[j].Name
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns every entity.
func (x *EntityIndex) All() []*types.Entity {
	return x.GetTop(0)
}

// Count returns the number of entities.
func (x *EntityIndex) Count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byID)
}

// RemoveByItemIDs strips item references; entities whose reference set
// becomes empty are deleted along with their name mappings.
// Returns the ids of the entities that were removed entirely.
func (x *EntityIndex) RemoveByItemIDs(ids map[string]struct{}) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	var removed []string
	for _, e := range x.byID {
		kept := e.TurnReferences[:0]
		for _, ref := range e.TurnReferences {
			if _, gone := ids[ref]; !gone {
				kept = append(kept, ref)
			}
		}
		e.TurnReferences = kept
		if len(kept) == 0 {
			removed = append(removed, e.ID)
		}
	}
	for _, id := range removed {
		e := x.byID[id]
		delete(x.nameToID, strings.ToLower(e.Name))
		for _, a := range e.Aliases {
			delete(x.nameToID, strings.ToLower(a))
		}
		delete(x.byID, id)
	}
	return removed, x.saveLocked()
}

// Clear drops everything.
func (x *EntityIndex) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID = make(map[string]*types.Entity)
	x.nameToID = make(map[string]string)
	return x.saveLocked()
}

// Flush persists the snapshot.
func (x *EntityIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.saveLocked()
}

func (x *EntityIndex) saveLocked() error {
	entities := make([]*types.Entity, 0, len(x.byID))
	for _, e := range x.byID {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return err
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, x.path)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupeFold(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
