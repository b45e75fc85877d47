// Package embedding generates vector embeddings for memory content.
// Supports a local Ollama server, any OpenAI-compatible endpoint and
// Google GenAI; mode "none" disables the vector path entirely.
package embedding

import (
	"context"
	"fmt"
	"math"

	"recall/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify the
// backing service is reachable before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Mode: "none", "local", "openai", "siliconflow", "gemini" or "custom"
	Mode string `json:"mode"`

	APIKey    string `json:"api_key"`
	APIBase   string `json:"api_base"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`

	// Sliding-window rate limit for cloud endpoints
	RateLimit  int `json:"rate_limit"`  // max requests per window
	RateWindow int `json:"rate_window"` // window seconds

	// CacheSize bounds the content-keyed embedding cache; 0 disables it.
	CacheSize int `json:"cache_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:       "none",
		APIBase:    "http://localhost:11434",
		Model:      "",
		Dimension:  768,
		RateLimit:  60,
		RateWindow: 60,
		CacheSize:  10000,
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration. Mode "none"
// returns (nil, nil); callers treat a nil engine as vector search disabled.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with mode=%s", cfg.Mode)

	var engine Engine
	var err error

	switch cfg.Mode {
	case "", "none":
		logging.Embedding("Embedding disabled, vector search unavailable")
		return nil, nil
	case "local":
		engine, err = NewOllamaEngine(cfg.APIBase, cfg.Model)
	case "openai", "siliconflow", "custom":
		engine, err = NewOpenAIEngine(cfg)
	case "gemini":
		engine, err = NewGenAIEngine(cfg.APIKey, cfg.Model, "")
	default:
		err = fmt.Errorf("unsupported embedding mode: %s", cfg.Mode)
		logging.Get(logging.CategoryEmbedding).Error("Unsupported embedding mode: %s", cfg.Mode)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	if cfg.CacheSize > 0 {
		engine = NewCached(engine, cfg.CacheSize)
	}

	logging.Embedding("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		logging.Get(logging.CategoryEmbedding).Warn("CosineSimilarity: zero magnitude vector detected")
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
