package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, cfg Config) (*Manager, *time.Time) {
	t.Helper()
	m, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestCanAffordWithinLimits(t *testing.T) {
	m, _ := openTest(t, Config{HourlyLimit: 1.0, DailyLimit: 10.0, CostPer1KTokens: 0.002})

	assert.True(t, m.CanAfford(1000))

	// 400k tokens at $0.002/1k is $0.80; another 150k would cross $1/hour.
	m.RecordUsage(400_000, "extract")
	assert.True(t, m.CanAfford(50_000))
	assert.False(t, m.CanAfford(150_000))
}

func TestHourlyWindowSlides(t *testing.T) {
	m, now := openTest(t, Config{HourlyLimit: 1.0, DailyLimit: 10.0, CostPer1KTokens: 0.002})

	m.RecordUsage(500_000, "extract") // $1.00, hourly limit saturated
	assert.False(t, m.CanAfford(1000))

	*now = now.Add(2 * time.Hour)
	assert.True(t, m.CanAfford(1000), "spend leaves the hourly window")

	hourly, daily := m.GetRemaining()
	assert.InDelta(t, 1.0, hourly, 1e-9)
	assert.InDelta(t, 9.0, daily, 1e-9, "still counted against the day")
}

func TestDailyLimitIndependent(t *testing.T) {
	m, now := openTest(t, Config{HourlyLimit: 5.0, DailyLimit: 10.0, CostPer1KTokens: 0.002})

	// $2.50/hour for four hours exhausts the day without ever tripping
	// the hourly limit.
	for i := 0; i < 4; i++ {
		m.RecordUsage(1_250_000, "extract")
		*now = now.Add(time.Hour)
	}
	assert.False(t, m.CanAfford(1000))

	*now = now.Add(24 * time.Hour)
	assert.True(t, m.CanAfford(1000))
}

func TestZeroLimitsNeverRefuse(t *testing.T) {
	m, _ := openTest(t, Config{CostPer1KTokens: 0.002})
	m.RecordUsage(100_000_000, "extract")
	assert.True(t, m.CanAfford(100_000_000))

	hourly, daily := m.GetRemaining()
	assert.Equal(t, -1.0, hourly)
	assert.Equal(t, -1.0, daily)
}

func TestSuggestDegradation(t *testing.T) {
	m, _ := openTest(t, Config{HourlyLimit: 1.0, DailyLimit: 100.0, CostPer1KTokens: 0.002})

	assert.Equal(t, DegradeNone, m.SuggestDegradation())

	m.RecordUsage(375_000, "x") // $0.75 hourly -> 75%
	assert.Equal(t, DegradeLite, m.SuggestDegradation())

	m.RecordUsage(100_000, "x") // $0.95 -> 95%
	assert.Equal(t, DegradeCloud, m.SuggestDegradation())

	m.RecordUsage(50_000, "x") // $1.05 -> over
	assert.Equal(t, DegradeLocal, m.SuggestDegradation())
}

func TestUsageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{HourlyLimit: 1.0, DailyLimit: 10.0, CostPer1KTokens: 0.002}

	m, err := Open(dir, cfg)
	require.NoError(t, err)
	m.RecordUsage(400_000, "extract")
	require.NoError(t, m.Close())

	m2, err := Open(dir, cfg)
	require.NoError(t, err)
	m2.now = m.now
	hourly, _ := m2.GetRemaining()
	assert.InDelta(t, 0.2, hourly, 1e-9)
}

func TestOldRecordsPruned(t *testing.T) {
	m, now := openTest(t, Config{HourlyLimit: 1.0, DailyLimit: 10.0, CostPer1KTokens: 0.002})

	m.RecordUsage(1000, "old")
	*now = now.Add(8 * 24 * time.Hour)
	m.RecordUsage(1000, "new")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.records, 1)
	assert.Equal(t, "new", m.records[0].Op)
}
