package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 18888, cfg.Server.Port)
	assert.Equal(t, int64(100000), cfg.Volume.VolumeSize)
	assert.Equal(t, "adaptive", cfg.LLM.RelationMode)
}

func TestLoadWithoutFileIsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recall.yaml")
	content := `
data_root: /tmp/recall-test
server:
  host: 0.0.0.0
  port: 9999
vector:
  backend: ivf_hnsw
  nlist: 128
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/recall-test", cfg.DataRoot)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "ivf_hnsw", cfg.Vector.Backend)
	assert.Equal(t, 128, cfg.Vector.NList)
	// Untouched sections keep defaults.
	assert.Equal(t, 10000, cfg.Index.CompactThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECALL_DATA_ROOT", "/tmp/recall-env")
	t.Setenv("RECALL_EMBEDDING_MODE", "openai")
	t.Setenv("EMBEDDING_DIMENSION", "1536")
	t.Setenv("LLM_RELATION_MODE", "rules")
	t.Setenv("DEDUP_HIGH_THRESHOLD", "0.9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/recall-env", cfg.DataRoot)
	assert.Equal(t, "openai", cfg.Embedding.Mode)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, "rules", cfg.LLM.RelationMode)
	assert.InDelta(t, 0.9, cfg.Dedup.HighThreshold, 1e-9)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vector.Backend = "faiss"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Volume.FileSize = 30000 // not a divisor of volume size
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Dedup.LowThreshold = 0.99
	assert.Error(t, cfg.Validate())
}
