package vector

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/types"
)

func axisVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func noisyVec(rng *rand.Rand, dim, axis int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64()) * 0.05
	}
	v[axis] += 1
	return v
}

func TestFlatSearchOrdering(t *testing.T) {
	f, err := OpenFlat(t.TempDir())
	require.NoError(t, err)
	defer f.Close()

	scope := types.DefaultScope()
	require.NoError(t, f.Add("mem_x", scope, []float32{1, 0, 0}))
	require.NoError(t, f.Add("mem_y", scope, []float32{0.9, 0.1, 0}))
	require.NoError(t, f.Add("mem_z", scope, []float32{0, 0, 1}))

	got, err := f.Search([]float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mem_x", got[0].ID)
	assert.Equal(t, "mem_y", got[1].ID)
	for _, m := range got {
		assert.GreaterOrEqual(t, m.Score, -1.0)
		assert.LessOrEqual(t, m.Score, 1.0+1e-9)
	}
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestFlatScopeFilter(t *testing.T) {
	f, err := OpenFlat(t.TempDir())
	require.NoError(t, err)
	defer f.Close()

	alice := types.Scope{UserID: "alice"}
	bob := types.Scope{UserID: "bob"}
	require.NoError(t, f.Add("mem_a", alice, []float32{1, 0}))
	require.NoError(t, f.Add("mem_b", bob, []float32{1, 0}))

	got, err := f.Search([]float32{1, 0}, 10, &alice)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_a", got[0].ID)
}

func TestFlatDimensionMismatch(t *testing.T) {
	f, err := OpenFlat(t.TempDir())
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Add("mem_a", types.DefaultScope(), []float32{1, 0, 0}))
	err = f.Add("mem_b", types.DefaultScope(), []float32{1, 0})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.Search([]float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestFlatPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFlat(dir)
	require.NoError(t, err)
	require.NoError(t, f.Add("mem_a", types.DefaultScope(), []float32{0, 1}))
	require.NoError(t, f.Close())

	f2, err := OpenFlat(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, f2.Len())
	got, err := f2.Search([]float32{0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestIVFPendingPhaseIsExact(t *testing.T) {
	x, err := OpenIVF(t.TempDir(), Config{NList: 4, NProbe: 2, MinTrainSize: 1000})
	require.NoError(t, err)
	defer x.Close()

	scope := types.DefaultScope()
	require.NoError(t, x.Add("mem_a", scope, []float32{1, 0, 0}))
	require.NoError(t, x.Add("mem_b", scope, []float32{0, 1, 0}))

	got, err := x.Search([]float32{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mem_b", got[0].ID)
}

func TestIVFTrainsAndRecalls(t *testing.T) {
	x, err := OpenIVF(t.TempDir(), Config{NList: 4, NProbe: 4, MinTrainSize: 8, EfSearch: 16})
	require.NoError(t, err)
	defer x.Close()

	rng := rand.New(rand.NewSource(7))
	scope := types.DefaultScope()
	dim := 8
	// Four clusters around the first four axes, well past the train threshold.
	for i := 0; i < 40; i++ {
		axis := i % 4
		id := fmt.Sprintf("mem_%d_%d", axis, i)
		require.NoError(t, x.Add(id, scope, noisyVec(rng, dim, axis)))
	}
	assert.Equal(t, 40, x.Len())

	got, err := x.Search(axisVec(dim, 2), 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 5)
	// All probes near axis 2 should come from cluster 2.
	for _, m := range got {
		assert.Contains(t, m.ID, "mem_2_")
	}
}

func TestIVFTombstonesAndRebuild(t *testing.T) {
	x, err := OpenIVF(t.TempDir(), Config{NList: 2, NProbe: 2, MinTrainSize: 4, EfSearch: 8})
	require.NoError(t, err)
	defer x.Close()

	scope := types.DefaultScope()
	for i := 0; i < 8; i++ {
		require.NoError(t, x.Add(fmt.Sprintf("mem_%d", i), scope, axisVec(4, i%4)))
	}

	require.NoError(t, x.Remove(map[string]struct{}{"mem_0": {}, "mem_4": {}}))
	assert.Equal(t, 6, x.Len())
	assert.InDelta(t, 0.25, x.TombstoneRatio(), 1e-9)

	got, err := x.Search(axisVec(4, 0), 10, nil)
	require.NoError(t, err)
	for _, m := range got {
		assert.NotEqual(t, "mem_0", m.ID)
		assert.NotEqual(t, "mem_4", m.ID)
	}

	require.NoError(t, x.Rebuild())
	assert.Equal(t, 6, x.Len())
	assert.Zero(t, x.TombstoneRatio())
}

func TestIVFPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{NList: 2, NProbe: 2, MinTrainSize: 4, EfSearch: 8}
	x, err := OpenIVF(dir, cfg)
	require.NoError(t, err)
	scope := types.DefaultScope()
	for i := 0; i < 6; i++ {
		require.NoError(t, x.Add(fmt.Sprintf("mem_%d", i), scope, axisVec(3, i%3)))
	}
	require.NoError(t, x.Close())

	x2, err := OpenIVF(dir, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, x2.Len())
	got, err := x2.Search(axisVec(3, 1), 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
}

func TestNewBackendSelection(t *testing.T) {
	dir := t.TempDir()
	idx, err := New(Config{Backend: "flat"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &Flat{}, idx)

	idx, err = New(Config{Backend: "ivf_hnsw", NList: 2, NProbe: 1}, dir)
	require.NoError(t, err)
	assert.IsType(t, &IVF{}, idx)

	_, err = New(Config{Backend: "faiss"}, dir)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
