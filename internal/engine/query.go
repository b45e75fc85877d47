package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recall/internal/contextpack"
	"recall/internal/index"
	"recall/internal/logging"
	"recall/internal/maintain"
	"recall/internal/retrieval"
	"recall/internal/types"
)

// Search runs the retrieval funnel. NowTurn is filled from the log and
// the model filter defaults to the feature toggle when the request does
// not ask for it explicitly.
func (e *Engine) Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	req.Scope = req.Scope.Normalize()
	if req.NowTurn == 0 {
		req.NowTurn = e.volumes.TotalTurns()
	}
	if !req.UseLLM && e.cfg.Features.RetrieverLLMFilter {
		req.UseLLM = true
	}
	return e.funnel.Search(ctx, req)
}

// Get returns one item by id, touching its focus entry.
func (e *Engine) Get(sc types.Scope, id string) (*types.Item, error) {
	return e.scopes.Get(sc.Normalize(), id, e.volumes.TotalTurns())
}

// GetAll returns every item in the scope in turn order.
func (e *Engine) GetAll(sc types.Scope) []*types.Item {
	return e.scopes.GetAll(sc.Normalize())
}

// GetRecent returns the n newest items in the scope.
func (e *Engine) GetRecent(sc types.Scope, n int) []*types.Item {
	return e.scopes.GetRecent(sc.Normalize(), n)
}

// UpdateRequest carries the mutable fields of an item. Nil pointers
// leave the field alone; Content changes reindex the item.
type UpdateRequest struct {
	Content  *string        `json:"content,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Category *string        `json:"category,omitempty"`
	Metadata types.Metadata `json:"metadata,omitempty"`
}

// Update edits the working-memory copy of an item. The volume log keeps
// the original append; only derived state changes.
func (e *Engine) Update(ctx context.Context, sc types.Scope, id string, req UpdateRequest) (*types.Item, error) {
	sc = sc.Normalize()

	e.mu.Lock()
	defer e.mu.Unlock()

	contentChanged := false
	updated, err := e.scopes.Update(sc, id, func(it *types.Item) {
		if req.Content != nil && *req.Content != it.Content {
			it.Content = *req.Content
			contentChanged = true
		}
		if req.Tags != nil {
			it.Tags = req.Tags
		}
		if req.Category != nil {
			it.Category = *req.Category
		}
		if req.Metadata != nil {
			it.Metadata = req.Metadata
		}
	})
	if err != nil {
		return nil, err
	}

	// Metadata rows are keyed by id, so re-adding replaces the old row.
	if err := e.metadata.Add(updated); err != nil {
		logging.Get(logging.CategoryEngine).Error("metadata reindex for %s: %v", id, err)
	}
	if contentChanged {
		ids := map[string]struct{}{id: {}}
		if err := e.inverted.RemoveByIDs(ids); err != nil {
			logging.Get(logging.CategoryEngine).Error("keyword reindex for %s: %v", id, err)
		}
		if err := e.inverted.AddBatch(index.ExtractPhrases(updated.Content), id); err != nil {
			logging.Get(logging.CategoryEngine).Error("keyword reindex for %s: %v", id, err)
		}
		e.ngrams.RemoveByIDs(ids)
		e.ngrams.Add(id, updated.Content)
		if vec, err := e.embedContent(ctx, updated.Content); err == nil && vec != nil {
			if err := e.vectors.Remove(ids); err == nil {
				if err := e.vectors.Add(id, sc, vec); err != nil {
					logging.Get(logging.CategoryEngine).Error("vector reindex for %s: %v", id, err)
				}
			}
		}
	}
	return updated, nil
}

// Delete removes an item from the working set and every index, and
// tombstones it in the volume log.
func (e *Engine) Delete(sc types.Scope, id string) error {
	sc = sc.Normalize()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.scopes.Delete(sc, id); err != nil {
		return err
	}
	if err := e.volumes.Delete(id); err != nil && !errors.Is(err, types.ErrNotFound) {
		logging.Get(logging.CategoryEngine).Warn("volume tombstone for %s: %v", id, err)
	}
	e.removeDerivedLocked(map[string]struct{}{id: {}})
	return nil
}

// Clear erases one scope. The default user partition is protected; use
// Reset to wipe the whole store.
func (e *Engine) Clear(sc types.Scope) error {
	sc = sc.Normalize()
	if sc.UserID == types.DefaultScopeValue {
		return fmt.Errorf("%w: refusing to clear the default user partition", types.ErrScopeDenied)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make(map[string]struct{})
	for _, it := range e.scopes.GetAll(sc) {
		ids[it.ID] = struct{}{}
		if err := e.volumes.Delete(it.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			logging.Get(logging.CategoryEngine).Warn("volume tombstone for %s: %v", it.ID, err)
		}
	}
	e.removeDerivedLocked(ids)
	return e.scopes.Clear(sc)
}

// removeDerivedLocked purges a set of item ids from every derived index,
// including entities orphaned by the removal and their graph edges.
func (e *Engine) removeDerivedLocked(ids map[string]struct{}) {
	if len(ids) == 0 {
		return
	}
	if err := e.inverted.RemoveByIDs(ids); err != nil {
		logging.Get(logging.CategoryEngine).Error("inverted purge: %v", err)
	}
	e.ngrams.RemoveByIDs(ids)
	if err := e.metadata.RemoveBatch(ids); err != nil {
		logging.Get(logging.CategoryEngine).Error("metadata purge: %v", err)
	}
	if err := e.vectors.Remove(ids); err != nil {
		logging.Get(logging.CategoryEngine).Error("vector purge: %v", err)
	}
	orphans, err := e.entities.RemoveByItemIDs(ids)
	if err != nil {
		logging.Get(logging.CategoryEngine).Error("entity purge: %v", err)
	}
	if len(orphans) > 0 {
		orphanSet := make(map[string]struct{}, len(orphans))
		for _, id := range orphans {
			orphanSet[id] = struct{}{}
		}
		removed := e.kg.RemoveByEntityIDs(orphanSet)
		logging.EngineDebug("purged %d orphan entities, %d graph edges", len(orphans), removed)
	}
	e.episodes.RemoveByItemIDs(ids)
}

// ContextRequest asks for a prompt block around a query.
type ContextRequest struct {
	Scope types.Scope `json:"scope"`
	Query string      `json:"query"`
}

// ContextResult is the packed block plus the funnel trace.
type ContextResult struct {
	contextpack.Result
	Traces []retrieval.StageTrace `json:"traces,omitempty"`
}

// BuildContext retrieves memories for the query and packs them with the
// recent conversation into the configured token budget.
func (e *Engine) BuildContext(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	sc := req.Scope.Normalize()

	var memories []*types.Item
	var traces []retrieval.StageTrace
	if strings.TrimSpace(req.Query) != "" {
		resp, err := e.Search(ctx, retrieval.Request{
			Scope: sc,
			Query: req.Query,
			Limit: e.cfg.Context.MaxTotal,
		})
		if err != nil && !errors.Is(err, types.ErrValidation) {
			return nil, err
		}
		if resp != nil {
			for _, hit := range resp.Hits {
				memories = append(memories, hit.Item)
			}
			traces = resp.Traces
		}
	}

	recent := e.scopes.GetRecent(sc, e.cfg.Context.MaxPerType)
	// GetRecent is newest-first; the builder wants turn order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	built := contextpack.Config{
		MaxTokens:   e.cfg.Context.MaxTokens,
		MemoryRatio: e.cfg.Context.MemoryRatio,
	}.Build(contextpack.Input{Memories: memories, Recent: recent})

	return &ContextResult{Result: built, Traces: traces}, nil
}

// PlantForeshadow registers a hint to be triggered by later content.
func (e *Engine) PlantForeshadow(sc types.Scope, content string, keywords, entities []string, importance float64) (*types.Foreshadowing, error) {
	return e.scopes.Plant(sc.Normalize(), content, keywords, entities, importance, e.volumes.TotalTurns())
}

// Foreshadows lists foreshadows in the scope, optionally by status.
func (e *Engine) Foreshadows(sc types.Scope, status string) []*types.Foreshadowing {
	return e.scopes.Foreshadows(sc.Normalize(), status)
}

// ResolveForeshadow marks a foreshadow resolved with the given payoff.
func (e *Engine) ResolveForeshadow(sc types.Scope, id, resolution string) (*types.Foreshadowing, error) {
	return e.scopes.Resolve(sc.Normalize(), id, resolution, e.volumes.TotalTurns())
}

// Stats is the operational snapshot served by the API.
type Stats struct {
	TotalTurns  int64           `json:"total_turns"`
	LiveItems   int64           `json:"live_items"`
	Scopes      int             `json:"scopes"`
	Entities    int             `json:"entities"`
	Relations   int             `json:"relations"`
	Episodes    int             `json:"episodes"`
	Vectors     int             `json:"vectors"`
	Keywords    int             `json:"keywords"`
	HourlyUsage float64         `json:"hourly_usage_pct"`
	DailyUsage  float64         `json:"daily_usage_pct"`
	Degradation string          `json:"degradation"`
	Tasks       []maintain.Task `json:"maintenance_tasks,omitempty"`
}

// GetStats returns the operational snapshot.
func (e *Engine) GetStats() Stats {
	live := int64(0)
	scopeList := e.scopes.Scopes()
	for _, sc := range scopeList {
		live += int64(e.scopes.Count(sc))
	}
	hourly, daily := e.budget.GetUsagePct()
	st := Stats{
		TotalTurns:  e.volumes.TotalTurns(),
		LiveItems:   live,
		Scopes:      len(scopeList),
		Entities:    e.entities.Count(),
		Relations:   e.kg.Count(),
		Episodes:    e.episodes.Count(),
		Vectors:     e.vectors.Len(),
		Keywords:    e.inverted.Keywords(),
		HourlyUsage: hourly,
		DailyUsage:  daily,
		Degradation: e.budget.SuggestDegradation(),
	}
	if e.scheduler != nil {
		st.Tasks = e.scheduler.Tasks()
	}
	return st
}
