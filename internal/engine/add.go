package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"recall/internal/extract"
	"recall/internal/logging"
	"recall/internal/types"
	"recall/internal/vector"
)

// AddRequest is one memory to ingest.
type AddRequest struct {
	Scope       types.Scope    `json:"scope"`
	Content     string         `json:"content"`
	Source      string         `json:"source,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Category    string         `json:"category,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	EventTime   string         `json:"event_time,omitempty"`
	Metadata    types.Metadata `json:"metadata,omitempty"`
}

// AddResult reports what ingestion did with one request.
type AddResult struct {
	Item        *types.Item `json:"item"`
	Deduped     bool        `json:"deduped"`
	SimilarTo   string      `json:"similar_to,omitempty"`
	EntityIDs   []string    `json:"entity_ids,omitempty"`
	RelationIDs []string    `json:"relation_ids,omitempty"`
	EpisodeID   string      `json:"episode_id,omitempty"`
	Triggered   []string    `json:"triggered_foreshadows,omitempty"`
}

// Add ingests one memory: dedup, extraction, the volume append, then
// every derived index. Index failures degrade that index but never fail
// the ingestion once the item is in the log.
func (e *Engine) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	vec, err := e.embedContent(ctx, req.Content)
	if err != nil {
		logging.Get(logging.CategoryEngine).Warn("embedding failed, ingesting without vector: %v", err)
	}
	return e.addOne(ctx, req, vec)
}

// AddBatch ingests several memories. Embeddings are computed up front in
// one batch call; the writes themselves stay sequential so turn numbers
// follow request order.
func (e *Engine) AddBatch(ctx context.Context, reqs []AddRequest) ([]*AddResult, error) {
	vecs := make([][]float32, len(reqs))
	if e.embedder != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, req := range reqs {
			g.Go(func() error {
				v, err := e.embedContent(gctx, req.Content)
				if err != nil {
					logging.Get(logging.CategoryEngine).Warn("batch embedding %d failed: %v", i, err)
					return nil
				}
				vecs[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	results := make([]*AddResult, 0, len(reqs))
	for i, req := range reqs {
		res, err := e.addOne(ctx, req, vecs[i])
		if err != nil {
			return results, fmt.Errorf("batch item %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) embedContent(ctx context.Context, content string) ([]float32, error) {
	if e.embedder == nil || strings.TrimSpace(content) == "" {
		return nil, nil
	}
	vec, err := e.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	return vector.Normalize(vec), nil
}

func (e *Engine) addOne(ctx context.Context, req AddRequest, vec []float32) (*AddResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", types.ErrValidation)
	}
	sc := req.Scope.Normalize()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Dedup against the scope before writing anything. At or above the
	// high threshold the new content is the old content; in the band
	// between the thresholds it is stored but tagged.
	dupID, dupScore := e.findDuplicateLocked(sc, req.Content, vec)
	if dupID != "" && dupScore >= e.cfg.Dedup.HighThreshold {
		existing, err := e.scopes.Get(sc, dupID, e.volumes.TotalTurns())
		if err == nil {
			logging.EngineDebug("dedup: %.3f against %s, skipping ingest", dupScore, dupID)
			return &AddResult{Item: existing, Deduped: true, SimilarTo: dupID}, nil
		}
	}

	timer := logging.StartTimer(logging.CategoryEngine, "add")
	defer timer.StopWithThreshold(2 * time.Second)

	extracted := e.extractor.Extract(ctx, req.Content, time.Now())

	item := &types.Item{
		ID:          types.NewItemID(),
		Scope:       sc,
		Content:     req.Content,
		Source:      req.Source,
		Tags:        req.Tags,
		Category:    req.Category,
		ContentType: req.ContentType,
		EventTime:   req.EventTime,
		Metadata:    req.Metadata,
	}
	if item.EventTime == "" {
		item.EventTime = extracted.EventDate
	}

	res := &AddResult{Item: item}
	if dupID != "" {
		res.SimilarTo = dupID
		if !item.HasTag("near_duplicate") {
			item.Tags = append(item.Tags, "near_duplicate")
		}
	}

	// The log append is the commit point; everything after is derived.
	if _, err := e.volumes.Append(item); err != nil {
		return nil, fmt.Errorf("volume append: %w", err)
	}
	if err := e.scopes.Add(item); err != nil {
		return nil, fmt.Errorf("scope add: %w", err)
	}

	e.indexLocked(item, extracted, vec, res)

	if e.cfg.Features.EpisodeTracking {
		ep, err := e.episodes.Record(item.Content, req.Source, "", []string{item.ID}, res.RelationIDs, res.EntityIDs)
		if err != nil {
			logging.Get(logging.CategoryEngine).Warn("episode record for %s: %v", item.ID, err)
		} else {
			res.EpisodeID = ep.ID
		}
	}

	if e.shouldCheckForeshadows(item.TurnNumber) {
		res.Triggered = e.checkForeshadowsLocked(sc, item.Content)
	}
	e.scopes.TouchFocus(sc, []string{item.ID}, item.TurnNumber)

	return res, nil
}

// findDuplicateLocked returns the closest existing item and its
// similarity. With an embedder the vector index answers; without one an
// exact normalized-content match counts as similarity 1.
func (e *Engine) findDuplicateLocked(sc types.Scope, content string, vec []float32) (string, float64) {
	if vec != nil {
		matches, err := e.vectors.Search(vec, 1, &sc)
		if err == nil && len(matches) > 0 && matches[0].Score >= e.cfg.Dedup.LowThreshold {
			return matches[0].ID, matches[0].Score
		}
		return "", 0
	}
	norm := strings.ToLower(strings.Join(strings.Fields(content), " "))
	for _, it := range e.scopes.SearchContent(sc, content, 5) {
		if strings.ToLower(strings.Join(strings.Fields(it.Content), " ")) == norm {
			return it.ID, 1.0
		}
	}
	return "", 0
}

// indexLocked feeds one committed item into every derived index.
func (e *Engine) indexLocked(item *types.Item, extracted *extract.Result, vec []float32, res *AddResult) {
	if err := e.metadata.Add(item); err != nil {
		logging.Get(logging.CategoryEngine).Error("metadata index for %s: %v", item.ID, err)
	}
	if err := e.inverted.AddBatch(extracted.Keywords, item.ID); err != nil {
		logging.Get(logging.CategoryEngine).Error("inverted index for %s: %v", item.ID, err)
	}
	e.ngrams.Add(item.ID, item.Content)

	if vec != nil {
		if err := e.vectors.Add(item.ID, item.Scope, vec); err != nil {
			logging.Get(logging.CategoryEngine).Error("vector index for %s: %v", item.ID, err)
		}
	}

	byName := make(map[string]string, len(extracted.Entities))
	for _, ent := range extracted.Entities {
		stored, err := e.entities.AddOccurrence(ent.Name, item.ID, ent.Type, ent.Aliases, ent.Confidence)
		if err != nil {
			logging.Get(logging.CategoryEngine).Error("entity index for %q: %v", ent.Name, err)
			continue
		}
		byName[strings.ToLower(ent.Name)] = stored.ID
		res.EntityIDs = append(res.EntityIDs, stored.ID)
	}

	for _, rel := range extracted.Relations {
		srcID := e.resolveEntityLocked(byName, rel.SourceName, item.ID)
		tgtID := e.resolveEntityLocked(byName, rel.TargetName, item.ID)
		if srcID == "" || tgtID == "" {
			continue
		}
		stored, err := e.kg.AddRelation(&types.Relation{
			ID:             types.NewRelationID(),
			SourceEntityID: srcID,
			TargetEntityID: tgtID,
			Type:           rel.Type,
			Fact:           rel.Fact,
			Confidence:     rel.Confidence,
			SourceText:     item.Content,
			Evidence:       []string{item.ID},
		})
		if err != nil {
			logging.Get(logging.CategoryEngine).Error("graph relation %s: %v", rel.Type, err)
			continue
		}
		res.RelationIDs = append(res.RelationIDs, stored.ID)
	}
}

// resolveEntityLocked maps an extracted name to an entity id, creating
// the entity when the relation mentions one extraction missed.
func (e *Engine) resolveEntityLocked(byName map[string]string, name, itemID string) string {
	if id, ok := byName[strings.ToLower(name)]; ok {
		return id
	}
	if ent, ok := e.entities.GetByName(name); ok {
		byName[strings.ToLower(name)] = ent.ID
		return ent.ID
	}
	ent, err := e.entities.AddOccurrence(name, itemID, "", nil, 0)
	if err != nil {
		return ""
	}
	byName[strings.ToLower(name)] = ent.ID
	return ent.ID
}

func (e *Engine) shouldCheckForeshadows(turn int64) bool {
	every := e.cfg.Features.ForeshadowCheckEvery
	if every <= 1 {
		return true
	}
	return turn%int64(every) == 0
}

// checkForeshadowsLocked flips unresolved foreshadows whose trigger
// keywords appear in the new content. Two keyword hits are required
// unless the foreshadow only carries one.
func (e *Engine) checkForeshadowsLocked(sc types.Scope, content string) []string {
	lower := strings.ToLower(content)
	var triggered []string
	for _, f := range e.scopes.Foreshadows(sc, types.ForeshadowUnresolved) {
		hits := 0
		for _, kw := range f.TriggerKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		need := 2
		if len(f.TriggerKeywords) == 1 {
			need = 1
		}
		if len(f.TriggerKeywords) == 0 || hits < need {
			continue
		}
		if err := e.scopes.MarkPossiblyTriggered(sc, f.ID); err == nil {
			triggered = append(triggered, f.ID)
			logging.Engine("foreshadow %s possibly triggered (%d keyword hits)", f.ID, hits)
		}
	}
	return triggered
}
