package vector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"recall/internal/logging"
	"recall/internal/types"
)

const ivfSnapshotFile = "vector_ivf.json"

// IVF partitions vectors into nlist coarse cells found by k-means; queries
// probe the nprobe cells whose centroids an HNSW router ranks closest.
// Until enough vectors accumulate to train, everything sits in a pending
// buffer and searches degrade to a flat scan.
type IVF struct {
	mu sync.RWMutex

	cfg  Config
	path string
	dim  int

	pending   []*entry
	centroids [][]float32
	lists     [][]*entry
	router    *hnsw

	tombstones map[string]struct{}
	dirty      bool
}

type ivfSnapshot struct {
	Dim        int         `json:"dim"`
	Pending    []*entry    `json:"pending,omitempty"`
	Centroids  [][]float32 `json:"centroids,omitempty"`
	Lists      [][]*entry  `json:"lists,omitempty"`
	Tombstones []string    `json:"tombstones,omitempty"`
}

// OpenIVF loads the snapshot if present and rebuilds the centroid router.
func OpenIVF(dir string, cfg Config) (*IVF, error) {
	if cfg.NList <= 0 {
		cfg.NList = 64
	}
	if cfg.NProbe <= 0 {
		cfg.NProbe = 8
	}
	if cfg.MinTrainSize <= 0 {
		cfg.MinTrainSize = 256
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector dir: %w", err)
	}

	x := &IVF{
		cfg:        cfg,
		path:       filepath.Join(dir, ivfSnapshotFile),
		tombstones: make(map[string]struct{}),
	}
	if data, err := os.ReadFile(x.path); err == nil {
		var snap ivfSnapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			logging.Get(logging.CategoryVector).Warn("ivf snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			x.dim = snap.Dim
			x.pending = snap.Pending
			x.centroids = snap.Centroids
			x.lists = snap.Lists
			for _, id := range snap.Tombstones {
				x.tombstones[id] = struct{}{}
			}
			x.rebuildRouterLocked()
		}
	}
	return x, nil
}

func (x *IVF) rebuildRouterLocked() {
	if len(x.centroids) == 0 {
		x.router = nil
		return
	}
	x.router = newHNSW(x.cfg.M, x.cfg.EfConstruction, 1)
	for _, c := range x.centroids {
		x.router.insert(c)
	}
}

func (x *IVF) trainThreshold() int {
	t := x.cfg.NList
	if x.cfg.MinTrainSize > t {
		t = x.cfg.MinTrainSize
	}
	return t
}

// Add buffers the vector until training, then assigns it to its cell.
func (x *IVF) Add(id string, scope types.Scope, vec []float32) error {
	if id == "" || len(vec) == 0 {
		return types.ErrValidation
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dim != 0 && len(vec) != x.dim {
		return fmt.Errorf("dimension mismatch: index holds %d, got %d: %w", x.dim, len(vec), types.ErrValidation)
	}
	x.dim = len(vec)
	delete(x.tombstones, id)
	e := &entry{ID: id, Scope: scope.Normalize(), Vec: Normalize(vec)}

	if x.router == nil {
		x.pending = append(x.pending, e)
		if len(x.pending) >= x.trainThreshold() {
			x.trainLocked()
		}
	} else {
		cell := x.router.search(e.Vec, 1, x.cfg.EfSearch)
		x.lists[cell[0]] = append(x.lists[cell[0]], e)
	}
	x.dirty = true
	return nil
}

// trainLocked runs k-means over the pending buffer, builds the inverted
// lists and the centroid router, then drains the buffer.
func (x *IVF) trainLocked() {
	timer := logging.StartTimer(logging.CategoryVector, "ivf train")
	defer timer.Stop()

	nlist := x.cfg.NList
	if nlist > len(x.pending) {
		nlist = len(x.pending)
	}
	x.centroids = kmeans(x.pending, nlist, 10, 1)
	x.rebuildRouterLocked()

	x.lists = make([][]*entry, len(x.centroids))
	for _, e := range x.pending {
		cell := x.router.search(e.Vec, 1, x.cfg.EfSearch)
		x.lists[cell[0]] = append(x.lists[cell[0]], e)
	}
	x.pending = nil
	logging.Vector("ivf trained: %d centroids", len(x.centroids))
}

// Search probes the nprobe closest cells (plus any untrained pending
// vectors) and scores candidates exactly. Scope filtering widens the probe
// by overfetching before truncation.
func (x *IVF) Search(query []float32, k int, scope *types.Scope) ([]Match, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	q := Normalize(append([]float32(nil), query...))

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.dim != 0 && len(q) != x.dim {
		return nil, fmt.Errorf("dimension mismatch: index holds %d, got %d: %w", x.dim, len(q), types.ErrValidation)
	}

	fetch := k
	if scope != nil {
		fetch = k * scopeOverfetch
	}

	var matches []Match
	score := func(e *entry) {
		if _, dead := x.tombstones[e.ID]; dead {
			return
		}
		if !matchesScope(e, scope) {
			return
		}
		matches = append(matches, Match{ID: e.ID, Score: Dot(q, e.Vec), Scope: e.Scope})
	}

	for _, e := range x.pending {
		score(e)
	}
	if x.router != nil {
		for _, cell := range x.router.search(q, x.cfg.NProbe, x.cfg.EfSearch) {
			for _, e := range x.lists[cell] {
				score(e)
			}
		}
	}

	matches = topK(matches, fetch)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Remove tombstones the ids; the vectors stay in their cells until the
// next rebuild.
func (x *IVF) Remove(ids map[string]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for id := range ids {
		x.tombstones[id] = struct{}{}
	}
	x.dirty = true
	return nil
}

// Len counts live vectors.
func (x *IVF) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.totalLocked() - len(x.tombstones)
}

func (x *IVF) totalLocked() int {
	n := len(x.pending)
	for _, list := range x.lists {
		n += len(list)
	}
	return n
}

// TombstoneRatio reports the fraction of stored vectors that are dead.
func (x *IVF) TombstoneRatio() float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	total := x.totalLocked()
	if total == 0 {
		return 0
	}
	return float64(len(x.tombstones)) / float64(total)
}

// Rebuild drops tombstoned vectors and retrains from the survivors.
func (x *IVF) Rebuild() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var live []*entry
	collect := func(e *entry) {
		if _, dead := x.tombstones[e.ID]; !dead {
			live = append(live, e)
		}
	}
	for _, e := range x.pending {
		collect(e)
	}
	for _, list := range x.lists {
		for _, e := range list {
			collect(e)
		}
	}

	x.pending = live
	x.centroids = nil
	x.lists = nil
	x.router = nil
	x.tombstones = make(map[string]struct{})
	if len(x.pending) >= x.trainThreshold() {
		x.trainLocked()
	}
	x.dirty = true
	return x.flushLocked()
}

// Flush persists the snapshot if anything changed.
func (x *IVF) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}
	return x.flushLocked()
}

func (x *IVF) flushLocked() error {
	snap := ivfSnapshot{
		Dim:       x.dim,
		Pending:   x.pending,
		Centroids: x.centroids,
		Lists:     x.lists,
	}
	for id := range x.tombstones {
		snap.Tombstones = append(snap.Tombstones, id)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, x.path); err != nil {
		return err
	}
	x.dirty = false
	return nil
}

// Clear drops everything and persists the empty state.
func (x *IVF) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending = nil
	x.centroids = nil
	x.lists = nil
	x.router = nil
	x.tombstones = make(map[string]struct{})
	x.dim = 0
	x.dirty = true
	return x.flushLocked()
}

// Close flushes and releases the index.
func (x *IVF) Close() error {
	return x.Flush()
}

// kmeans clusters the entries into k unit-length centroids with a fixed
// number of Lloyd iterations.
func kmeans(entries []*entry, k, iters int, seed int64) [][]float32 {
	if k <= 0 || len(entries) == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(seed))
	dim := len(entries[0].Vec)

	centroids := make([][]float32, k)
	perm := rng.Perm(len(entries))
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), entries[perm[i%len(perm)]].Vec...)
	}

	assign := make([]int, len(entries))
	for iter := 0; iter < iters; iter++ {
		changed := false
		for i, e := range entries {
			best, bestD := 0, -2.0
			for c, cent := range centroids {
				if d := Dot(e.Vec, cent); d > bestD {
					best, bestD = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, e := range entries {
			c := assign[i]
			counts[c]++
			for j, v := range e.Vec {
				sums[c][j] += float64(v)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed an empty cluster from a random point.
				centroids[c] = append([]float32(nil), entries[rng.Intn(len(entries))].Vec...)
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
			Normalize(centroids[c])
		}
	}
	return centroids
}
