// Package graph maintains the knowledge graph of temporal relations
// between entities. Edges are identified by their (source, type, target)
// triple; repeat observations merge evidence instead of duplicating.
package graph

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

// Graph is the in-memory relation store with a JSON snapshot on disk.
// Mutations schedule a debounced save; Flush forces one.
type Graph struct {
	mu sync.RWMutex

	path     string
	registry *EntityTypeRegistry

	relations map[string]*types.Relation // by relation id
	byTriple  map[string]string          // triple key -> relation id
	outEdges  map[string][]string        // source entity -> relation ids
	inEdges   map[string][]string        // target entity -> relation ids

	dirty bool
}

type graphSnapshot struct {
	Relations []*types.Relation `json:"relations"`
}

// Open loads the snapshot at path if present.
func Open(path string, registry *EntityTypeRegistry) (*Graph, error) {
	if registry == nil {
		registry = NewEntityTypeRegistry()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create graph dir: %w", err)
	}

	g := &Graph{
		path:      path,
		registry:  registry,
		relations: make(map[string]*types.Relation),
		byTriple:  make(map[string]string),
		outEdges:  make(map[string][]string),
		inEdges:   make(map[string][]string),
	}

	if data, err := os.ReadFile(path); err == nil {
		var snap graphSnapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			logging.Get(logging.CategoryGraph).Warn("graph snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			for _, r := range snap.Relations {
				g.indexLocked(r)
			}
		}
	}
	return g, nil
}

// Registry exposes the entity type registry.
func (g *Graph) Registry() *EntityTypeRegistry {
	return g.registry
}

// indexLocked inserts a relation into every map. Caller holds g.mu.
func (g *Graph) indexLocked(r *types.Relation) {
	g.relations[r.ID] = r
	g.byTriple[r.TripleKey()] = r.ID
	g.outEdges[r.SourceEntityID] = append(g.outEdges[r.SourceEntityID], r.ID)
	g.inEdges[r.TargetEntityID] = append(g.inEdges[r.TargetEntityID], r.ID)
}

// AddRelation inserts a relation or merges it into the existing edge with
// the same triple: evidence unions, confidence takes the max, the fact and
// validity window update when the new observation supplies them.
// Returns the stored relation.
func (g *Graph) AddRelation(r *types.Relation) (*types.Relation, error) {
	if r == nil || r.SourceEntityID == "" || r.TargetEntityID == "" || r.Type == "" {
		return nil, types.ErrValidation
	}
	if !g.registry.Known(r.Type) {
		logging.GraphDebug("relation type %s not in registry, accepting as-is", r.Type)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existingID, ok := g.byTriple[r.TripleKey()]; ok {
		existing := g.relations[existingID]
		for _, ev := range r.Evidence {
			if !contains(existing.Evidence, ev) {
				existing.Evidence = append(existing.Evidence, ev)
			}
		}
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
		}
		if r.Fact != "" {
			existing.Fact = r.Fact
		}
		if r.SourceText != "" {
			existing.SourceText = r.SourceText
		}
		if r.ValidAt != nil {
			existing.ValidAt = r.ValidAt
		}
		if r.InvalidAt != nil {
			existing.InvalidAt = r.InvalidAt
		}
		g.markDirtyLocked()
		return existing, nil
	}

	if r.ID == "" {
		r.ID = types.NewRelationID()
	}
	g.indexLocked(r)
	g.markDirtyLocked()
	return r, nil
}

// GetRelation returns a relation by id.
func (g *Graph) GetRelation(id string) (*types.Relation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.relations[id]
	return r, ok
}

// RelationsOf returns every relation touching the entity, outgoing first.
func (g *Graph) RelationsOf(entityID string) []*types.Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*types.Relation
	seen := make(map[string]struct{})
	for _, ids := range [][]string{g.outEdges[entityID], g.inEdges[entityID]} {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, g.relations[id])
		}
	}
	return out
}

// InvalidateRelation marks a relation as no longer valid from the given
// time onward. The edge stays in the graph as a historical fact.
func (g *Graph) InvalidateRelation(id string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.relations[id]
	if !ok {
		return types.ErrNotFound
	}
	r.InvalidAt = &at
	g.markDirtyLocked()
	return nil
}

// Neighbors walks the graph breadth-first from start up to depth hops,
// following only currently-valid edges (and only relType edges when one is
// given). The walk stops once limit entities have been collected.
func (g *Graph) Neighbors(start string, depth int, relType string, limit int) []string {
	if depth <= 0 {
		depth = 1
	}
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]struct{}{start: {}}
	frontier := []string{start}
	var out []string

	for hop := 0; hop < depth && len(frontier) > 0 && len(out) < limit; hop++ {
		var next []string
		for _, id := range frontier {
			for _, relID := range append(append([]string(nil), g.outEdges[id]...), g.inEdges[id]...) {
				r := g.relations[relID]
				if relType != "" && r.Type != relType {
					continue
				}
				if r.InvalidAt != nil && r.InvalidAt.Before(now) {
					continue
				}
				other := r.TargetEntityID
				if other == id {
					other = r.SourceEntityID
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = struct{}{}
				out = append(out, other)
				next = append(next, other)
				if len(out) >= limit {
					return out
				}
			}
		}
		frontier = next
	}
	return out
}

// MergeEntities rewrites every edge endpoint from fromID to toID. Edges
// whose rewritten triple collides with an existing edge merge into it;
// self-loops produced by the rewrite are dropped.
func (g *Graph) MergeEntities(fromID, toID string) error {
	if fromID == "" || toID == "" || fromID == toID {
		return types.ErrValidation
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	touched := append(append([]string(nil), g.outEdges[fromID]...), g.inEdges[fromID]...)
	for _, relID := range touched {
		r, ok := g.relations[relID]
		if !ok {
			continue
		}
		g.unindexLocked(r)
		if r.SourceEntityID == fromID {
			r.SourceEntityID = toID
		}
		if r.TargetEntityID == fromID {
			r.TargetEntityID = toID
		}
		if r.SourceEntityID == r.TargetEntityID {
			continue // rewrite produced a self-loop, drop the edge
		}
		if existingID, collision := g.byTriple[r.TripleKey()]; collision {
			existing := g.relations[existingID]
			for _, ev := range r.Evidence {
				if !contains(existing.Evidence, ev) {
					existing.Evidence = append(existing.Evidence, ev)
				}
			}
			if r.Confidence > existing.Confidence {
				existing.Confidence = r.Confidence
			}
			continue
		}
		g.indexLocked(r)
	}
	delete(g.outEdges, fromID)
	delete(g.inEdges, fromID)
	g.markDirtyLocked()
	return nil
}

// unindexLocked removes a relation from every map. Caller holds g.mu.
func (g *Graph) unindexLocked(r *types.Relation) {
	delete(g.relations, r.ID)
	delete(g.byTriple, r.TripleKey())
	g.outEdges[r.SourceEntityID] = remove(g.outEdges[r.SourceEntityID], r.ID)
	g.inEdges[r.TargetEntityID] = remove(g.inEdges[r.TargetEntityID], r.ID)
}

// RemoveByEntityIDs drops every relation touching any of the entities.
func (g *Graph) RemoveByEntityIDs(ids map[string]struct{}) int {
	if len(ids) == 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var doomed []*types.Relation
	for _, r := range g.relations {
		if _, src := ids[r.SourceEntityID]; src {
			doomed = append(doomed, r)
			continue
		}
		if _, tgt := ids[r.TargetEntityID]; tgt {
			doomed = append(doomed, r)
		}
	}
	for _, r := range doomed {
		g.unindexLocked(r)
	}
	if len(doomed) > 0 {
		g.markDirtyLocked()
	}
	return len(doomed)
}

// All returns every relation sorted by id.
func (g *Graph) All() []*types.Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.Relation, 0, len(g.relations))
	for _, r := range g.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of relations.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relations)
}

// Clear drops everything and persists the empty state.
func (g *Graph) Clear() error {
	g.mu.Lock()
	g.relations = make(map[string]*types.Relation)
	g.byTriple = make(map[string]string)
	g.outEdges = make(map[string][]string)
	g.inEdges = make(map[string][]string)
	g.dirty = true
	g.mu.Unlock()
	return g.Flush()
}

// markDirtyLocked schedules a debounced save. Caller holds g.mu.
func (g *Graph) markDirtyLocked() {
	if g.dirty {
		return
	}
	g.dirty = true
	time.AfterFunc(5*time.Second, func() {
		if err := g.Flush(); err != nil {
			logging.Get(logging.CategoryGraph).Error("graph auto-save failed: %v", err)
		}
	})
}

// Flush persists the snapshot if anything changed.
func (g *Graph) Flush() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return nil
	}

	snap := graphSnapshot{Relations: make([]*types.Relation, 0, len(g.relations))}
	for _, r := range g.relations {
		snap.Relations = append(snap.Relations, r)
	}
	sort.Slice(snap.Relations, func(i, j int) bool { return snap.Relations[i].ID < snap.Relations[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return err
	}
	g.dirty = false
	return nil
}

// Close flushes and releases the graph.
func (g *Graph) Close() error {
	return g.Flush()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
