// Package retrieval implements the search funnel: cheap keyword and index
// stages widen a candidate set, vector stages narrow it by meaning, and a
// rerank pass orders what survives. Every stage leaves a trace so callers
// can see where candidates appeared and disappeared.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"recall/internal/embedding"
	"recall/internal/graph"
	"recall/internal/index"
	"recall/internal/logging"
	"recall/internal/scope"
	"recall/internal/types"
	"recall/internal/vector"
)

// Stage names as they appear in traces.
const (
	StageKeywordFilter  = "keyword_filter"
	StageEntityExpand   = "entity_expand"
	StageNgramExpand    = "ngram_expand"
	StageMetadataFilter = "metadata_filter"
	StageVectorCoarse   = "vector_coarse"
	StageVectorFine     = "vector_fine"
	StageRerank         = "rerank"
	StageLLMFilter      = "llm_filter"
)

const (
	coarseK      = 100
	fineK        = 20
	llmFilterMax = 10
	defaultLimit = 10
)

// Request is one funnel invocation.
type Request struct {
	Scope   types.Scope
	Query   string
	Filter  index.MetadataFilter
	Limit   int
	UseLLM  bool  // enable the final model-assisted filter
	NowTurn int64 // current turn, for focus scoring
}

// StageTrace records what one stage did.
type StageTrace struct {
	Stage       string  `json:"stage"`
	InputCount  int     `json:"input_count"`
	OutputCount int     `json:"output_count"`
	ElapsedMS   float64 `json:"elapsed_ms"`
	Filtered    bool    `json:"filtered"` // stage narrowed rather than widened
}

// Hit is one scored result.
type Hit struct {
	Item            *types.Item `json:"item"`
	Score           float64     `json:"score"`
	MatchedKeywords []string    `json:"matched_keywords,omitempty"`
	MatchedEntities []string    `json:"matched_entities,omitempty"`
	VectorScore     float64     `json:"vector_score,omitempty"`
}

// Response carries the hits and the per-stage trace.
type Response struct {
	Hits   []Hit        `json:"hits"`
	Traces []StageTrace `json:"traces"`
}

// ModelFilter is the optional last-stage collaborator. Given the query and
// numbered snippets it returns the indices worth keeping.
type ModelFilter interface {
	FilterSnippets(ctx context.Context, query string, snippets []string) ([]int, error)
}

// Funnel wires the stages over the shared indexes.
type Funnel struct {
	inverted *index.InvertedIndex
	entities *index.EntityIndex
	ngrams   *index.NgramIndex
	metadata *index.MetadataIndex
	vectors  vector.Index
	embedder embedding.Engine
	kg       *graph.Graph
	scopes   *scope.Store
	model    ModelFilter
}

// New builds a funnel. embedder and model may be nil; the corresponding
// stages then pass candidates through unchanged.
func New(
	inverted *index.InvertedIndex,
	entities *index.EntityIndex,
	ngrams *index.NgramIndex,
	metadata *index.MetadataIndex,
	vectors vector.Index,
	embedder embedding.Engine,
	kg *graph.Graph,
	scopes *scope.Store,
	model ModelFilter,
) *Funnel {
	return &Funnel{
		inverted: inverted,
		entities: entities,
		ngrams:   ngrams,
		metadata: metadata,
		vectors:  vectors,
		embedder: embedder,
		kg:       kg,
		scopes:   scopes,
		model:    model,
	}
}

// candidate accumulates evidence about one item id as it moves through
// the stages.
type candidate struct {
	keywords []string
	entities []string
	vecScore float64
	hasVec   bool
}

// Search runs the funnel.
func (f *Funnel) Search(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" && req.Filter.IsZero() {
		return nil, types.ErrValidation
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	timer := logging.StartTimer(logging.CategoryRetrieval, "funnel search")
	defer timer.StopWithThreshold(time.Second)

	resp := &Response{}
	cands := make(map[string]*candidate)
	get := func(id string) *candidate {
		c, ok := cands[id]
		if !ok {
			c = &candidate{}
			cands[id] = c
		}
		return c
	}

	keywords := index.ExtractPhrases(req.Query)

	// Stage 1: keyword filter over the inverted index.
	resp.trace(StageKeywordFilter, len(cands), false, func() {
		for kw, ids := range f.searchKeywords(keywords) {
			for id := range ids {
				c := get(id)
				c.keywords = append(c.keywords, kw)
			}
		}
	}, func() int { return len(cands) })

	// Stage 2: entity expansion through the entity index and one graph hop.
	resp.trace(StageEntityExpand, len(cands), false, func() {
		for _, ent := range f.matchEntities(req.Query) {
			for _, id := range ent.TurnReferences {
				c := get(id)
				c.entities = append(c.entities, ent.Name)
			}
			for _, otherID := range f.kg.Neighbors(ent.ID, 1, "", 10) {
				if other, ok := f.entities.GetByID(otherID); ok {
					for _, id := range other.TurnReferences {
						get(id)
					}
				}
			}
		}
	}, func() int { return len(cands) })

	// Stage 3: n-gram expansion catches rare tokens keywords missed.
	resp.trace(StageNgramExpand, len(cands), false, func() {
		for id := range f.ngrams.Search(req.Query) {
			get(id)
		}
	}, func() int { return len(cands) })

	// Stage 4: metadata constraints are mandatory when provided.
	if !req.Filter.IsZero() {
		resp.trace(StageMetadataFilter, len(cands), true, func() {
			allowed := f.metadata.Query(req.Filter)
			if len(cands) == 0 {
				// Pure metadata search: the filter is the candidate source.
				for id := range allowed {
					get(id)
				}
				return
			}
			for id := range cands {
				if _, ok := allowed[id]; !ok {
					delete(cands, id)
				}
			}
		}, func() int { return len(cands) })
	}

	// Stage 5: coarse vector recall widens with semantic matches.
	queryVec := f.embedQuery(ctx, req.Query)
	if queryVec != nil {
		resp.trace(StageVectorCoarse, len(cands), false, func() {
			matches, err := f.vectors.Search(queryVec, coarseK, &req.Scope)
			if err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("vector stage failed, continuing without: %v", err)
				return
			}
			for _, m := range matches {
				if !req.Filter.IsZero() {
					if _, ok := cands[m.ID]; !ok {
						continue // metadata constraint already excluded it
					}
				}
				c := get(m.ID)
				c.vecScore = m.Score
				c.hasVec = true
			}
		}, func() int { return len(cands) })
	}

	// Materialize to in-scope items. The scope gate is structural: the
	// working store only returns items belonging to the request scope.
	hits := f.materialize(req, cands)

	// Stage 6: fine ranking keeps the best fineK before reranking.
	resp.trace(StageVectorFine, len(hits), true, func() {
		sortHits(hits)
		if len(hits) > fineK {
			hits = hits[:fineK]
		}
	}, func() int { return len(hits) })

	// Stage 7: rerank with entity, keyword, recency and focus boosts.
	resp.trace(StageRerank, len(hits), false, func() {
		now := time.Now()
		for i := range hits {
			hits[i].Score += rerankBoost(&hits[i], now)
			hits[i].Score += f.scopes.FocusScore(req.Scope, hits[i].Item.ID, req.NowTurn) * 0.05
		}
		sortHits(hits)
	}, func() int { return len(hits) })

	// Stage 8: optional model filter over the top snippets. Fails open.
	if req.UseLLM && f.model != nil && len(hits) > 0 {
		resp.trace(StageLLMFilter, len(hits), true, func() {
			hits = f.modelFilter(ctx, req.Query, hits)
		}, func() int { return len(hits) })
	}

	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	resp.Hits = hits
	return resp, nil
}

// trace times one stage body and records the before/after counts.
func (r *Response) trace(stage string, input int, filtered bool, body func(), output func() int) {
	start := time.Now()
	body()
	r.Traces = append(r.Traces, StageTrace{
		Stage:       stage,
		InputCount:  input,
		OutputCount: output(),
		ElapsedMS:   float64(time.Since(start).Microseconds()) / 1000.0,
		Filtered:    filtered,
	})
}

func (f *Funnel) searchKeywords(keywords []string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		if ids := f.inverted.Search(kw); len(ids) > 0 {
			out[kw] = ids
		}
	}
	return out
}

// matchEntities finds entities whose name or alias occurs in the query.
func (f *Funnel) matchEntities(query string) []*types.Entity {
	lower := strings.ToLower(query)
	var out []*types.Entity
	seen := make(map[string]struct{})
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,!?;:\"'")
		if ent, ok := f.entities.GetByName(word); ok {
			if _, dup := seen[ent.ID]; !dup {
				seen[ent.ID] = struct{}{}
				out = append(out, ent)
			}
		}
	}
	// CJK queries have no word boundaries; fall back to a contains scan.
	for _, ent := range f.entities.Search(lower) {
		if !strings.Contains(lower, strings.ToLower(ent.Name)) {
			continue
		}
		if _, dup := seen[ent.ID]; !dup {
			seen[ent.ID] = struct{}{}
			out = append(out, ent)
		}
	}
	return out
}

func (f *Funnel) embedQuery(ctx context.Context, query string) []float32 {
	if f.embedder == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := f.embedder.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("query embedding failed, skipping vector stages: %v", err)
		return nil
	}
	return vec
}

// materialize resolves candidate ids to items through the scope store,
// which enforces tenant isolation, and assigns base scores.
func (f *Funnel) materialize(req Request, cands map[string]*candidate) []Hit {
	hits := make([]Hit, 0, len(cands))
	for id, c := range cands {
		it, err := f.scopes.Get(req.Scope, id, req.NowTurn)
		if err != nil {
			continue // not in this scope
		}
		score := 0.0
		if c.hasVec {
			score = c.vecScore
		}
		hits = append(hits, Hit{
			Item:            it,
			Score:           score,
			MatchedKeywords: c.keywords,
			MatchedEntities: dedupe(c.entities),
			VectorScore:     c.vecScore,
		})
	}
	return hits
}

// rerankBoost rewards direct evidence and recency.
func rerankBoost(h *Hit, now time.Time) float64 {
	boost := 0.1*float64(len(h.MatchedEntities)) + 0.05*float64(len(h.MatchedKeywords))
	age := now.Sub(h.Item.CreatedAt)
	switch {
	case age <= time.Hour:
		boost += 0.1
	case age <= 24*time.Hour:
		boost += 0.05
	}
	return boost
}

// modelFilter asks the collaborator which of the top snippets actually
// answer the query. Any error keeps the unfiltered list.
func (f *Funnel) modelFilter(ctx context.Context, query string, hits []Hit) []Hit {
	n := len(hits)
	if n > llmFilterMax {
		n = llmFilterMax
	}
	snippets := make([]string, n)
	for i := 0; i < n; i++ {
		snippets[i] = hits[i].Item.Content
	}

	keep, err := f.model.FilterSnippets(ctx, query, snippets)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("model filter failed, keeping unfiltered results: %v", err)
		return hits
	}

	kept := make([]Hit, 0, len(keep))
	seen := make(map[int]struct{})
	for _, idx := range keep {
		if idx < 0 || idx >= n {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		kept = append(kept, hits[idx])
	}
	// Snippets beyond the model window were never judged; keep them.
	kept = append(kept, hits[n:]...)
	return kept
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Item.ID < hits[j].Item.ID
	})
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, v := range list {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
