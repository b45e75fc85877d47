package vector

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

// hnsw is a small navigable-small-world graph used to route queries to
// coarse centroids. Points are unit vectors; distance is 1 - dot.
type hnsw struct {
	m        int
	efBuild  int
	levelMul float64
	rng      *rand.Rand

	points [][]float32
	// links[level][node] lists neighbor node ids at that level.
	links  []map[int][]int
	levels []int
	entry  int
}

func newHNSW(m, efBuild int, seed int64) *hnsw {
	if m <= 0 {
		m = 16
	}
	if efBuild <= 0 {
		efBuild = 200
	}
	return &hnsw{
		m:        m,
		efBuild:  efBuild,
		levelMul: 1.0 / math.Log(float64(m)),
		rng:      rand.New(rand.NewSource(seed)),
		entry:    -1,
	}
}

func (h *hnsw) dist(a []float32, node int) float64 {
	return 1.0 - Dot(a, h.points[node])
}

func (h *hnsw) randomLevel() int {
	return int(math.Floor(-math.Log(h.rng.Float64()) * h.levelMul))
}

// insert adds a point; its id is its index in h.points.
func (h *hnsw) insert(vec []float32) int {
	id := len(h.points)
	h.points = append(h.points, vec)
	level := h.randomLevel()
	h.levels = append(h.levels, level)
	for len(h.links) <= level {
		h.links = append(h.links, make(map[int][]int))
	}

	if h.entry < 0 {
		h.entry = id
		return id
	}

	cur := h.entry
	for l := h.levels[h.entry]; l > level; l-- {
		cur = h.greedyStep(vec, cur, l)
	}
	maxL := level
	if top := h.levels[h.entry]; top < maxL {
		maxL = top
	}
	for l := maxL; l >= 0; l-- {
		cands := h.searchLayer(vec, cur, h.efBuild, l)
		neighbors := h.selectNearest(vec, cands, h.m)
		h.links[l][id] = neighbors
		for _, n := range neighbors {
			h.links[l][n] = append(h.links[l][n], id)
			if len(h.links[l][n]) > h.m*2 {
				h.links[l][n] = h.selectNearest(h.points[n], h.links[l][n], h.m*2)
			}
		}
		if len(cands) > 0 {
			cur = cands[0]
		}
	}
	if level > h.levels[h.entry] {
		h.entry = id
	}
	return id
}

// search returns the ids of the k nearest points to q.
func (h *hnsw) search(q []float32, k, ef int) []int {
	if h.entry < 0 {
		return nil
	}
	if ef < k {
		ef = k
	}
	cur := h.entry
	for l := h.levels[h.entry]; l > 0; l-- {
		cur = h.greedyStep(q, cur, l)
	}
	found := h.searchLayer(q, cur, ef, 0)
	if len(found) > k {
		found = found[:k]
	}
	return found
}

// greedyStep walks to the closest neighbor of cur at level l until no
// neighbor improves.
func (h *hnsw) greedyStep(q []float32, cur, l int) int {
	best := h.dist(q, cur)
	for {
		improved := false
		for _, n := range h.links[l][cur] {
			if d := h.dist(q, n); d < best {
				best, cur = d, n
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer is the beam search at one level; results come back sorted by
// ascending distance.
func (h *hnsw) searchLayer(q []float32, enter, ef, l int) []int {
	visited := map[int]struct{}{enter: {}}
	cands := &distHeap{{enter, h.dist(q, enter)}}
	results := append([]distNode(nil), (*cands)...)

	for cands.Len() > 0 {
		c := heap.Pop(cands).(distNode)
		worst := results[len(results)-1].d
		if len(results) >= ef && c.d > worst {
			break
		}
		for _, n := range h.links[l][c.id] {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			d := h.dist(q, n)
			if len(results) < ef || d < results[len(results)-1].d {
				heap.Push(cands, distNode{n, d})
				results = insertSorted(results, distNode{n, d})
				if len(results) > ef {
					results = results[:ef]
				}
			}
		}
	}

	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out
}

func (h *hnsw) selectNearest(vec []float32, ids []int, m int) []int {
	sorted := append([]int(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		return h.dist(vec, sorted[i]) < h.dist(vec, sorted[j])
	})
	seen := make(map[int]struct{}, len(sorted))
	out := make([]int, 0, m)
	for _, id := range sorted {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) == m {
			break
		}
	}
	return out
}

type distNode struct {
	id int
	d  float64
}

type distHeap []distNode

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].d < h[j].d }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(distNode)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func insertSorted(list []distNode, n distNode) []distNode {
	i := sort.Search(len(list), func(i int) bool { return list[i].d > n.d })
	list = append(list, distNode{})
	copy(list[i+1:], list[i:])
	list[i] = n
	return list
}
