package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall/internal/config"
	"recall/internal/retrieval"
	"recall/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.Maintenance.Enabled = false
	cfg.Embedding.Mode = "none"
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestFlushAndCloseOnFreshEngine(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)

	// No ingestion has happened; flushing must still persist cleanly.
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e = openEngine(t, cfg)
	assert.Empty(t, e.GetAll(types.DefaultScope()))
}

func TestAddGetSearchRoundTrip(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()

	res, err := e.Add(context.Background(), AddRequest{
		Scope:   sc,
		Content: "用户对花生过敏，不能吃花生酱",
		Source:  "chat",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	assert.False(t, res.Deduped)

	got, err := e.Get(sc, res.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Item.Content, got.Content)

	resp, err := e.Search(context.Background(), retrieval.Request{Scope: sc, Query: "花生过敏"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, res.Item.ID, resp.Hits[0].Item.ID)
}

func TestAddRejectsEmptyContent(t *testing.T) {
	e := openEngine(t, testConfig(t))
	_, err := e.Add(context.Background(), AddRequest{Scope: types.DefaultScope(), Content: "   "})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAddDedupsExactContent(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()

	first, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "user lives in Berlin"})
	require.NoError(t, err)
	second, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "user lives in Berlin"})
	require.NoError(t, err)

	assert.True(t, second.Deduped)
	assert.Equal(t, first.Item.ID, second.Item.ID)
	assert.Equal(t, 1, e.scopes.Count(sc))
}

func TestAddBatchPreservesOrder(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()

	results, err := e.AddBatch(context.Background(), []AddRequest{
		{Scope: sc, Content: "first note about the project"},
		{Scope: sc, Content: "second note about the deadline"},
		{Scope: sc, Content: "third note about the retro"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Less(t, results[0].Item.TurnNumber, results[1].Item.TurnNumber)
	assert.Less(t, results[1].Item.TurnNumber, results[2].Item.TurnNumber)
}

func TestTenantIsolation(t *testing.T) {
	e := openEngine(t, testConfig(t))
	alice := types.Scope{UserID: "alice"}
	bob := types.Scope{UserID: "bob"}

	added, err := e.Add(context.Background(), AddRequest{Scope: alice, Content: "alice keeps bees in the backyard"})
	require.NoError(t, err)
	_, err = e.Add(context.Background(), AddRequest{Scope: bob, Content: "bob keeps fish in the backyard"})
	require.NoError(t, err)

	resp, err := e.Search(context.Background(), retrieval.Request{Scope: alice, Query: "backyard keeps"})
	require.NoError(t, err)
	for _, hit := range resp.Hits {
		assert.Equal(t, "alice", hit.Item.Scope.UserID)
	}

	_, err = e.Get(bob, added.Item.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateReindexesContent(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()

	res, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "meeting scheduled for thursday afternoon"})
	require.NoError(t, err)

	newContent := "meeting moved to friday morning instead"
	updated, err := e.Update(context.Background(), sc, res.Item.ID, UpdateRequest{Content: &newContent})
	require.NoError(t, err)
	assert.Equal(t, newContent, updated.Content)

	resp, err := e.Search(context.Background(), retrieval.Request{Scope: sc, Query: "friday morning"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, res.Item.ID, resp.Hits[0].Item.ID)

	resp, err = e.Search(context.Background(), retrieval.Request{Scope: sc, Query: "thursday afternoon"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()

	res, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "temporary reminder about the dentist"})
	require.NoError(t, err)

	require.NoError(t, e.Delete(sc, res.Item.ID))

	_, err = e.Get(sc, res.Item.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	resp, err := e.Search(context.Background(), retrieval.Request{Scope: sc, Query: "dentist reminder"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	assert.ErrorIs(t, e.Delete(sc, res.Item.ID), types.ErrNotFound)
}

func TestClearProtectsDefaultUser(t *testing.T) {
	e := openEngine(t, testConfig(t))

	assert.ErrorIs(t, e.Clear(types.DefaultScope()), types.ErrScopeDenied)
	assert.ErrorIs(t, e.Clear(types.Scope{}), types.ErrScopeDenied)

	guest := types.Scope{UserID: "guest"}
	_, err := e.Add(context.Background(), AddRequest{Scope: guest, Content: "guest scratch note"})
	require.NoError(t, err)
	require.NoError(t, e.Clear(guest))
	assert.Zero(t, e.scopes.Count(guest))
}

func TestBuildContextStaysInBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context.MaxTokens = 300
	e := openEngine(t, cfg)
	sc := types.DefaultScope()

	for i := 0; i < 10; i++ {
		_, err := e.Add(context.Background(), AddRequest{
			Scope:   sc,
			Content: "travel planning detail number " + string(rune('a'+i)) + " for the trip to Lisbon",
		})
		require.NoError(t, err)
	}

	res, err := e.BuildContext(context.Background(), ContextRequest{Scope: sc, Query: "Lisbon trip"})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.TokensUsed, 300)
	assert.Contains(t, res.Text, "<memories>")
	assert.Contains(t, res.Text, "<recent_conversation>")
	assert.Positive(t, res.RecentCount)
}

func TestForeshadowLifecycleThroughIngestion(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()

	f, err := e.PlantForeshadow(sc, "主角会在雨夜重逢旧友", []string{"雨夜", "旧友"}, nil, 0.8)
	require.NoError(t, err)
	assert.Equal(t, types.ForeshadowUnresolved, f.Status)

	// One keyword hit is not enough for a two-keyword foreshadow.
	res, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "今晚是个雨夜，他独自走在街上"})
	require.NoError(t, err)
	assert.Empty(t, res.Triggered)

	res, err = e.Add(context.Background(), AddRequest{Scope: sc, Content: "雨夜里他遇到了旧友"})
	require.NoError(t, err)
	require.Contains(t, res.Triggered, f.ID)

	resolved, err := e.ResolveForeshadow(sc, f.ID, "两人在雨夜重逢")
	require.NoError(t, err)
	assert.Equal(t, types.ForeshadowResolved, resolved.Status)
}

func TestConsolidateMergesAgedDuplicates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.ConsolidateMinAgeMinutes = 0
	e := openEngine(t, cfg)
	sc := types.DefaultScope()

	// Differ in spacing and case so ingestion dedup lets both through.
	_, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "The cat sat on the mat", Tags: []string{"pets"}})
	require.NoError(t, err)
	_, err = e.Add(context.Background(), AddRequest{Scope: sc, Content: "the  CAT   sat on the mat", Tags: []string{"story"}})
	require.NoError(t, err)
	require.Equal(t, 2, e.scopes.Count(sc))

	merged, err := e.Consolidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, merged)
	assert.Equal(t, 1, e.scopes.Count(sc))

	survivor := e.scopes.GetAll(sc)[0]
	assert.True(t, survivor.HasTag("pets"))
	assert.True(t, survivor.HasTag("story"))
}

func TestHealthCheckPasses(t *testing.T) {
	e := openEngine(t, testConfig(t))
	_, err := e.Add(context.Background(), AddRequest{Scope: types.DefaultScope(), Content: "healthy note"})
	require.NoError(t, err)
	assert.NoError(t, e.HealthCheck(context.Background()))
}

func TestReconcileRestoresScopeStore(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	sc := types.DefaultScope()
	added, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "survives an index wipe"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Simulate a lost working set: remove the scope partition files.
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.DataRoot, "data", "default")))

	e2 := openEngine(t, cfg)
	got, err := e2.Get(sc, added.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, "survives an index wipe", got.Content)

	resp, err := e2.Search(context.Background(), retrieval.Request{Scope: sc, Query: "index wipe"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Hits)
}

func TestResetWipesEverything(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()
	_, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: "doomed note about anything"})
	require.NoError(t, err)

	require.NoError(t, e.Reset())

	st := e.GetStats()
	assert.Zero(t, st.TotalTurns)
	assert.Zero(t, st.LiveItems)
	assert.Zero(t, st.Entities)
	assert.Zero(t, st.Relations)
}

func TestStatsCounts(t *testing.T) {
	e := openEngine(t, testConfig(t))
	sc := types.DefaultScope()
	_, err := e.Add(context.Background(), AddRequest{Scope: sc, Content: `小明在 "DeepSeek" 工作`})
	require.NoError(t, err)

	st := e.GetStats()
	assert.Equal(t, int64(1), st.TotalTurns)
	assert.Equal(t, int64(1), st.LiveItems)
	assert.Positive(t, st.Keywords)
	assert.Equal(t, "none", st.Degradation)
}
