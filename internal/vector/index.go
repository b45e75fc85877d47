// Package vector provides the similarity index over item embeddings. Two
// backends share one interface: a brute-force flat scan and an IVF index
// whose coarse centroids are routed through a small HNSW graph.
package vector

import (
	"fmt"
	"math"
	"sort"

	"recall/internal/types"
)

// Match is one search hit, scored by cosine similarity in [-1, 1].
type Match struct {
	ID    string      `json:"id"`
	Score float64     `json:"score"`
	Scope types.Scope `json:"scope"`
}

// Index is the contract both backends implement. Vectors are normalized on
// insert so cosine similarity reduces to a dot product.
type Index interface {
	Add(id string, scope types.Scope, vec []float32) error
	Search(query []float32, k int, scope *types.Scope) ([]Match, error)
	Remove(ids map[string]struct{}) error
	Len() int
	Flush() error
	Clear() error
	Close() error
}

// Config mirrors the vector section of the service configuration.
type Config struct {
	Backend        string
	NList          int
	NProbe         int
	M              int
	EfConstruction int
	EfSearch       int
	MinTrainSize   int
}

// DefaultConfig returns the flat backend with the standard IVF parameters
// ready should the backend be switched.
func DefaultConfig() Config {
	return Config{
		Backend:        "flat",
		NList:          64,
		NProbe:         8,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		MinTrainSize:   256,
	}
}

// New opens the configured backend rooted at dir.
func New(cfg Config, dir string) (Index, error) {
	switch cfg.Backend {
	case "", "flat":
		return OpenFlat(dir)
	case "ivf_hnsw":
		return OpenIVF(dir, cfg)
	default:
		return nil, fmt.Errorf("unknown vector backend %q: %w", cfg.Backend, types.ErrValidation)
	}
}

// scopeOverfetch widens k when a scope filter applies, since matches outside
// the scope are discarded after scoring.
const scopeOverfetch = 5

// Normalize scales vec to unit length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

// Dot returns the dot product of two equal-length vectors.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// topK sorts matches by descending score (id as tiebreak) and truncates.
func topK(matches []Match, k int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// entry is a stored vector with its tenant scope.
type entry struct {
	ID    string      `json:"id"`
	Scope types.Scope `json:"scope"`
	Vec   []float32   `json:"vec"`
}

func matchesScope(e *entry, scope *types.Scope) bool {
	return scope == nil || e.Scope.Equal(*scope)
}
