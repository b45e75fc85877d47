// Package engine wires every recall store behind one façade: the volume
// log is the source of truth, the scope store is the working set, and the
// index family (inverted, ngram, metadata, entity, vector, graph) is
// derived state that ingestion keeps in step.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"

	"recall/internal/budget"
	"recall/internal/config"
	"recall/internal/embedding"
	"recall/internal/episode"
	"recall/internal/extract"
	"recall/internal/graph"
	"recall/internal/index"
	"recall/internal/llm"
	"recall/internal/logging"
	"recall/internal/maintain"
	"recall/internal/retrieval"
	"recall/internal/scope"
	"recall/internal/vector"
	"recall/internal/volume"
)

// Engine owns every store and coordinates the write path.
type Engine struct {
	cfg *config.Config

	volumes   *volume.Store
	scopes    *scope.Store
	inverted  *index.InvertedIndex
	ngrams    *index.NgramIndex
	metadata  *index.MetadataIndex
	entities  *index.EntityIndex
	vectors   vector.Index
	kg        *graph.Graph
	episodes  *episode.Store
	embedder  embedding.Engine
	model     *llm.Client
	extractor *extract.Extractor
	funnel    *retrieval.Funnel
	budget    *budget.Manager
	scheduler *maintain.Scheduler

	// mu serializes ingestion so turn numbers and index writes stay in
	// step with the volume log.
	mu sync.Mutex
}

// Open builds an engine from the configuration, loading every store
// under cfg.DataRoot and reconciling derived state against the volume
// log. The background maintainer starts if enabled.
func Open(cfg *config.Config) (*Engine, error) {
	root := cfg.DataRoot

	vols, err := volume.Open(volume.Config{
		Root:           filepath.Join(root, "volumes"),
		VolumeSize:     cfg.Volume.VolumeSize,
		FileSize:       cfg.Volume.FileSize,
		PreloadVolumes: cfg.Volume.PreloadVolumes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open volume store: %w", err)
	}
	scopes, err := scope.Open(filepath.Join(root, "data"))
	if err != nil {
		return nil, fmt.Errorf("failed to open scope store: %w", err)
	}
	inverted, err := index.OpenInverted(filepath.Join(root, "indexes"), cfg.Index.CompactThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to open inverted index: %w", err)
	}
	ngrams, err := index.OpenNgram(filepath.Join(root, "indexes"))
	if err != nil {
		return nil, fmt.Errorf("failed to open ngram index: %w", err)
	}
	metadata, err := index.OpenMetadata(filepath.Join(root, "indexes"), cfg.Index.FlushEvery)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata index: %w", err)
	}
	entities, err := index.OpenEntity(filepath.Join(root, "indexes"))
	if err != nil {
		return nil, fmt.Errorf("failed to open entity index: %w", err)
	}
	vectors, err := vector.New(vector.Config{
		Backend:        cfg.Vector.Backend,
		NList:          cfg.Vector.NList,
		NProbe:         cfg.Vector.NProbe,
		M:              cfg.Vector.M,
		EfConstruction: cfg.Vector.EfConstruction,
		EfSearch:       cfg.Vector.EfSearch,
		MinTrainSize:   cfg.Vector.MinTrainSize,
	}, filepath.Join(root, "vectors"))
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	kg, err := graph.Open(filepath.Join(root, "data", "knowledge_graph.json"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge graph: %w", err)
	}
	episodes, err := episode.Open(filepath.Join(root, "data"))
	if err != nil {
		return nil, fmt.Errorf("failed to open episode store: %w", err)
	}
	bud, err := budget.Open(root, budget.Config{
		HourlyLimit: cfg.Budget.HourlyLimit,
		DailyLimit:  cfg.Budget.DailyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open budget manager: %w", err)
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Mode:       cfg.Embedding.Mode,
		APIKey:     cfg.Embedding.APIKey,
		APIBase:    cfg.Embedding.APIBase,
		Model:      cfg.Embedding.Model,
		Dimension:  cfg.Embedding.Dimension,
		RateLimit:  cfg.Embedding.RateLimit,
		RateWindow: cfg.Embedding.RateWindow,
		CacheSize:  cfg.Vector.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding engine: %w", err)
	}

	model := llm.New(llm.Config{
		APIKey:    cfg.LLM.APIKey,
		APIBase:   cfg.LLM.APIBase,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})

	// Seed the rule extractor's dictionary with the entities we already
	// know about.
	known := make(map[string]string)
	for _, ent := range entities.All() {
		known[ent.Name] = ent.Type
		for _, alias := range ent.Aliases {
			known[alias] = ent.Type
		}
	}
	extractor := extract.New(cfg.LLM.RelationMode, model, known, bud)
	extractor.UsageHook = func(u llm.Usage) { bud.RecordUsage(u.TotalTokens, "extract") }

	var filter retrieval.ModelFilter
	if f := retrieval.NewLLMFilter(model); f != nil {
		f.UsageHook = func(u llm.Usage) { bud.RecordUsage(u.TotalTokens, "retrieval_filter") }
		filter = f
	}
	funnel := retrieval.New(inverted, entities, ngrams, metadata, vectors, embedder, kg, scopes, filter)

	e := &Engine{
		cfg:       cfg,
		volumes:   vols,
		scopes:    scopes,
		inverted:  inverted,
		ngrams:    ngrams,
		metadata:  metadata,
		entities:  entities,
		vectors:   vectors,
		kg:        kg,
		episodes:  episodes,
		embedder:  embedder,
		model:     model,
		extractor: extractor,
		funnel:    funnel,
		budget:    bud,
	}

	if err := e.reconcile(); err != nil {
		return nil, err
	}

	if cfg.Maintenance.Enabled {
		e.scheduler = maintain.New(cfg.Maintenance, e)
		e.scheduler.Start()
	}

	logging.Engine("engine open: %d turns, %d scopes, %d entities, %d relations",
		vols.Count(), len(scopes.Scopes()), entities.Count(), kg.Count())
	return e, nil
}

// reconcile replays the volume log into the derived stores for any item
// the scope store lost, so a wiped index directory heals on startup.
func (e *Engine) reconcile() error {
	total := int64(0)
	for _, sc := range e.scopes.Scopes() {
		total += int64(e.scopes.Count(sc))
	}
	if total >= e.volumes.Count() {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryEngine, "reconcile")
	defer timer.Stop()

	restored := 0
	cur := e.volumes.NewCursor()
	for {
		it, err := cur.Next()
		if err != nil {
			return fmt.Errorf("reconcile cursor: %w", err)
		}
		if it == nil {
			break
		}
		if e.scopes.Contains(it.Scope, it.ID) {
			continue
		}
		if err := e.scopes.Add(it); err != nil {
			return fmt.Errorf("reconcile failed for %s: %w", it.ID, err)
		}
		if err := e.metadata.Add(it); err != nil {
			logging.Get(logging.CategoryEngine).Warn("reconcile metadata for %s: %v", it.ID, err)
		}
		if err := e.inverted.AddBatch(index.ExtractPhrases(it.Content), it.ID); err != nil {
			logging.Get(logging.CategoryEngine).Warn("reconcile keywords for %s: %v", it.ID, err)
		}
		e.ngrams.Add(it.ID, it.Content)
		restored++
	}
	if restored > 0 {
		logging.Engine("reconciled %d items from the volume log", restored)
	}
	return nil
}

// Budget exposes the cost manager for the stats surfaces.
func (e *Engine) Budget() *budget.Manager { return e.budget }

// Flush persists every dirty store, derived indexes first and the
// volume log last so a crash mid-flush replays cleanly.
func (e *Engine) Flush() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"inverted", e.inverted.Flush},
		{"ngram", e.ngrams.Flush},
		{"metadata", e.metadata.Flush},
		{"entity", e.entities.Flush},
		{"vector", e.vectors.Flush},
		{"graph", e.kg.Flush},
		{"episode", e.episodes.Flush},
		{"scope", e.scopes.Flush},
		{"budget", e.budget.Flush},
		{"volume", e.volumes.Flush},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("flush %s: %w", step.name, err)
		}
	}
	return nil
}

// Close stops the maintainer and flushes every store.
func (e *Engine) Close() error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	return e.Flush()
}
