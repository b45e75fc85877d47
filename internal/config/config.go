// Package config holds all recall configuration: a file-loadable root
// struct split by concern, defaults, and environment overrides matching the
// RECALL_*/EMBEDDING_*/LLM_* variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all recall configuration.
type Config struct {
	// DataRoot is the on-disk root for every store and index.
	DataRoot string `yaml:"data_root" json:"data_root"`

	Server      ServerConfig      `yaml:"server" json:"server"`
	Volume      VolumeConfig      `yaml:"volume" json:"volume"`
	Index       IndexConfig       `yaml:"index" json:"index"`
	Vector      VectorConfig      `yaml:"vector" json:"vector"`
	Embedding   EmbeddingConfig   `yaml:"embedding" json:"embedding"`
	LLM         LLMConfig         `yaml:"llm" json:"llm"`
	Context     ContextConfig     `yaml:"context" json:"context"`
	Dedup       DedupConfig       `yaml:"dedup" json:"dedup"`
	Budget      BudgetConfig      `yaml:"budget" json:"budget"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Features    FeatureConfig     `yaml:"features" json:"features"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// VolumeConfig configures the sharded append log.
type VolumeConfig struct {
	VolumeSize     int64 `yaml:"volume_size" json:"volume_size"`         // turns per volume
	FileSize       int64 `yaml:"file_size" json:"file_size"`             // turns per file
	PreloadVolumes int   `yaml:"preload_volumes" json:"preload_volumes"` // fully-cached recent volumes
}

// IndexConfig configures the keyword-family indexes.
type IndexConfig struct {
	CompactThreshold int `yaml:"compact_threshold" json:"compact_threshold"` // WAL lines before compaction
	FlushEvery       int `yaml:"flush_every" json:"flush_every"`             // metadata dirty counter
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	Backend        string `yaml:"backend" json:"backend"` // flat | ivf_hnsw
	NList          int    `yaml:"nlist" json:"nlist"`
	NProbe         int    `yaml:"nprobe" json:"nprobe"`
	M              int    `yaml:"m" json:"m"`
	EfConstruction int    `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int    `yaml:"ef_search" json:"ef_search"`
	MinTrainSize   int    `yaml:"min_train_size" json:"min_train_size"`
	CacheSize      int    `yaml:"cache_size" json:"cache_size"` // embedding LRU entries
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Mode       string `yaml:"mode" json:"mode"` // none | local | openai | siliconflow | gemini | custom
	APIKey     string `yaml:"api_key" json:"api_key"`
	APIBase    string `yaml:"api_base" json:"api_base"`
	Model      string `yaml:"model" json:"model"`
	Dimension  int    `yaml:"dimension" json:"dimension"`
	RateLimit  int    `yaml:"rate_limit" json:"rate_limit"`   // max requests per window
	RateWindow int    `yaml:"rate_window" json:"rate_window"` // window seconds
}

// LLMConfig configures the language-model collaborator.
type LLMConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key"`
	APIBase      string `yaml:"api_base" json:"api_base"`
	Model        string `yaml:"model" json:"model"`
	MaxTokens    int    `yaml:"max_tokens" json:"max_tokens"`
	RelationMode string `yaml:"relation_mode" json:"relation_mode"` // rules | adaptive | llm
}

// ContextConfig configures the context builder.
type ContextConfig struct {
	MaxPerType  int     `yaml:"max_per_type" json:"max_per_type"`
	MaxTotal    int     `yaml:"max_total" json:"max_total"`
	DecayDays   int     `yaml:"decay_days" json:"decay_days"`
	MemoryRatio float64 `yaml:"memory_ratio" json:"memory_ratio"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

// DedupConfig configures near-duplicate detection on ingestion.
type DedupConfig struct {
	HighThreshold float64 `yaml:"high_threshold" json:"high_threshold"`
	LowThreshold  float64 `yaml:"low_threshold" json:"low_threshold"`
}

// BudgetConfig configures LLM cost limits.
type BudgetConfig struct {
	HourlyLimit float64 `yaml:"hourly_limit" json:"hourly_limit"`
	DailyLimit  float64 `yaml:"daily_limit" json:"daily_limit"`
}

// MaintenanceConfig configures the background maintainer.
type MaintenanceConfig struct {
	Enabled                  bool    `yaml:"enabled" json:"enabled"`
	ConsolidateEveryMinutes  int     `yaml:"consolidate_every_minutes" json:"consolidate_every_minutes"`
	CompactEveryMinutes      int     `yaml:"compact_every_minutes" json:"compact_every_minutes"`
	OptimizeEveryMinutes     int     `yaml:"optimize_every_minutes" json:"optimize_every_minutes"`
	HealthEveryMinutes       int     `yaml:"health_every_minutes" json:"health_every_minutes"`
	TombstoneRebuildRatio    float64 `yaml:"tombstone_rebuild_ratio" json:"tombstone_rebuild_ratio"`
	ConsolidateMinAgeMinutes int     `yaml:"consolidate_min_age_minutes" json:"consolidate_min_age_minutes"`
}

// FeatureConfig toggles optional subsystems.
type FeatureConfig struct {
	EntitySummary        bool `yaml:"entity_summary" json:"entity_summary"`
	EpisodeTracking      bool `yaml:"episode_tracking" json:"episode_tracking"`
	ForeshadowingLLM     bool `yaml:"foreshadowing_llm" json:"foreshadowing_llm"`
	ForeshadowCheckEvery int  `yaml:"foreshadow_check_every" json:"foreshadow_check_every"` // turns
	RetrieverLLMFilter   bool `yaml:"retriever_llm_filter" json:"retriever_llm_filter"`
}

// LoggingConfig configures the logging facade.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// DefaultConfig returns sensible defaults for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		DataRoot: defaultDataRoot(),
		Server:   ServerConfig{Host: "127.0.0.1", Port: 18888},
		Volume: VolumeConfig{
			VolumeSize:     100000,
			FileSize:       10000,
			PreloadVolumes: 2,
		},
		Index: IndexConfig{
			CompactThreshold: 10000,
			FlushEvery:       100,
		},
		Vector: VectorConfig{
			Backend:        "flat",
			NList:          64,
			NProbe:         8,
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
			MinTrainSize:   256,
			CacheSize:      10000,
		},
		Embedding: EmbeddingConfig{
			Mode:       "none",
			APIBase:    "http://localhost:11434",
			Dimension:  768,
			RateLimit:  60,
			RateWindow: 60,
		},
		LLM: LLMConfig{
			MaxTokens:    1024,
			RelationMode: "adaptive",
		},
		Context: ContextConfig{
			MaxPerType:  10,
			MaxTotal:    30,
			DecayDays:   30,
			MemoryRatio: 0.6,
			MaxTokens:   2000,
		},
		Dedup: DedupConfig{
			HighThreshold: 0.95,
			LowThreshold:  0.85,
		},
		Budget: BudgetConfig{
			HourlyLimit: 1.0,
			DailyLimit:  10.0,
		},
		Maintenance: MaintenanceConfig{
			Enabled:                  true,
			ConsolidateEveryMinutes:  30,
			CompactEveryMinutes:      10,
			OptimizeEveryMinutes:     60,
			HealthEveryMinutes:       5,
			TombstoneRebuildRatio:    0.2,
			ConsolidateMinAgeMinutes: 60,
		},
		Features: FeatureConfig{
			EntitySummary:        false,
			EpisodeTracking:      true,
			ForeshadowingLLM:     false,
			ForeshadowCheckEvery: 1,
			RetrieverLLMFilter:   false,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

// Load reads a config file (YAML or JSON by extension), applies env
// overrides, and validates. A missing path loads defaults plus env.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else {
			if strings.HasSuffix(path, ".json") {
				err = json.Unmarshal(data, cfg)
			} else {
				err = yaml.Unmarshal(data, cfg)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies the documented environment variables on top of
// whatever the file supplied.
func (c *Config) ApplyEnvOverrides() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr(&c.DataRoot, "RECALL_DATA_ROOT")

	setStr(&c.Embedding.Mode, "RECALL_EMBEDDING_MODE")
	setStr(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	setStr(&c.Embedding.APIBase, "EMBEDDING_API_BASE")
	setStr(&c.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&c.Embedding.Dimension, "EMBEDDING_DIMENSION")
	setInt(&c.Embedding.RateLimit, "EMBEDDING_RATE_LIMIT")
	setInt(&c.Embedding.RateWindow, "EMBEDDING_RATE_WINDOW")

	setStr(&c.LLM.APIKey, "LLM_API_KEY")
	setStr(&c.LLM.APIBase, "LLM_API_BASE")
	setStr(&c.LLM.Model, "LLM_MODEL")
	setInt(&c.LLM.MaxTokens, "LLM_DEFAULT_MAX_TOKENS")
	setStr(&c.LLM.RelationMode, "LLM_RELATION_MODE")

	setBool(&c.Features.EntitySummary, "ENTITY_SUMMARY_ENABLED")
	setBool(&c.Features.EpisodeTracking, "EPISODE_TRACKING_ENABLED")
	setBool(&c.Features.ForeshadowingLLM, "FORESHADOWING_LLM_ENABLED")

	setInt(&c.Context.MaxPerType, "CONTEXT_MAX_PER_TYPE")
	setInt(&c.Context.MaxTotal, "CONTEXT_MAX_TOTAL")
	setInt(&c.Context.DecayDays, "CONTEXT_DECAY_DAYS")

	setFloat(&c.Dedup.HighThreshold, "DEDUP_HIGH_THRESHOLD")
	setFloat(&c.Dedup.LowThreshold, "DEDUP_LOW_THRESHOLD")
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must not be empty")
	}
	if c.Volume.VolumeSize <= 0 || c.Volume.FileSize <= 0 {
		return fmt.Errorf("volume sizes must be positive")
	}
	if c.Volume.FileSize > c.Volume.VolumeSize {
		return fmt.Errorf("file_size (%d) must not exceed volume_size (%d)", c.Volume.FileSize, c.Volume.VolumeSize)
	}
	if c.Volume.VolumeSize%c.Volume.FileSize != 0 {
		return fmt.Errorf("volume_size must be a multiple of file_size")
	}
	switch c.Vector.Backend {
	case "flat", "ivf_hnsw":
	default:
		return fmt.Errorf("unknown vector backend: %q", c.Vector.Backend)
	}
	switch c.LLM.RelationMode {
	case "rules", "adaptive", "llm":
	default:
		return fmt.Errorf("unknown relation mode: %q", c.LLM.RelationMode)
	}
	if c.Dedup.LowThreshold > c.Dedup.HighThreshold {
		return fmt.Errorf("dedup low threshold above high threshold")
	}
	if c.Context.MemoryRatio <= 0 || c.Context.MemoryRatio >= 1 {
		return fmt.Errorf("context memory_ratio must be in (0, 1)")
	}
	return nil
}
