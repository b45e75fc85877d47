// Package budget meters LLM spend against hourly and daily dollar limits.
// Usage records live in a seven-day rolling log; windows recompute from
// the log on every check so restarts lose nothing.
package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"recall/internal/logging"
)

const (
	usageFile    = "llm_usage.json"
	retainWindow = 7 * 24 * time.Hour
)

// Degradation levels suggested as spend approaches the limits.
const (
	DegradeNone  = "none"  // full pipeline
	DegradeLite  = "lite"  // skip optional model calls (filters, summaries)
	DegradeCloud = "cloud" // extraction only, smallest cloud model
	DegradeLocal = "local" // rules and local models only
)

// Config holds the limits.
type Config struct {
	HourlyLimit float64 `json:"hourly_limit"` // dollars per hour, 0 disables
	DailyLimit  float64 `json:"daily_limit"`  // dollars per day, 0 disables
	// CostPer1KTokens converts recorded tokens to dollars.
	CostPer1KTokens float64 `json:"cost_per_1k_tokens"`
}

// DefaultConfig uses the service defaults.
func DefaultConfig() Config {
	return Config{HourlyLimit: 1.0, DailyLimit: 10.0, CostPer1KTokens: 0.002}
}

// record is one metered call.
type record struct {
	At     time.Time `json:"at"`
	Tokens int       `json:"tokens"`
	Cost   float64   `json:"cost"`
	Op     string    `json:"op,omitempty"`
}

// Manager tracks spend. Safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	path    string
	records []record
	dirty   bool

	now func() time.Time // test hook
}

// Open loads the usage log under dir.
func Open(dir string, cfg Config) (*Manager, error) {
	if cfg.CostPer1KTokens <= 0 {
		cfg.CostPer1KTokens = 0.002
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create budget dir: %w", err)
	}
	m := &Manager{
		cfg:  cfg,
		path: filepath.Join(dir, usageFile),
		now:  time.Now,
	}
	if data, err := os.ReadFile(m.path); err == nil {
		if jsonErr := json.Unmarshal(data, &m.records); jsonErr != nil {
			logging.Get(logging.CategoryBudget).Warn("usage log unreadable, starting empty: %v", jsonErr)
			m.records = nil
		}
	}
	return m, nil
}

// RecordUsage meters one call of the given token count.
func (m *Manager) RecordUsage(tokens int, op string) {
	if tokens <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.records = append(m.records, record{
		At:     now,
		Tokens: tokens,
		Cost:   float64(tokens) / 1000.0 * m.cfg.CostPer1KTokens,
		Op:     op,
	})
	m.pruneLocked(now)
	m.markDirtyLocked()
}

// CanAfford reports whether a call of the estimated size fits both
// windows. Zero limits never refuse.
func (m *Manager) CanAfford(estimatedTokens int) bool {
	cost := float64(estimatedTokens) / 1000.0 * m.cfg.CostPer1KTokens

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	hour, day := m.spentLocked(now)
	if m.cfg.HourlyLimit > 0 && hour+cost > m.cfg.HourlyLimit {
		return false
	}
	if m.cfg.DailyLimit > 0 && day+cost > m.cfg.DailyLimit {
		return false
	}
	return true
}

// GetRemaining returns the unspent dollars in the hourly and daily
// windows. Disabled limits report -1.
func (m *Manager) GetRemaining() (hourly, daily float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hour, day := m.spentLocked(m.now())
	hourly, daily = -1, -1
	if m.cfg.HourlyLimit > 0 {
		hourly = m.cfg.HourlyLimit - hour
		if hourly < 0 {
			hourly = 0
		}
	}
	if m.cfg.DailyLimit > 0 {
		daily = m.cfg.DailyLimit - day
		if daily < 0 {
			daily = 0
		}
	}
	return hourly, daily
}

// GetUsagePct returns spend as a fraction of each limit, 0 when disabled.
func (m *Manager) GetUsagePct() (hourly, daily float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hour, day := m.spentLocked(m.now())
	if m.cfg.HourlyLimit > 0 {
		hourly = hour / m.cfg.HourlyLimit
	}
	if m.cfg.DailyLimit > 0 {
		daily = day / m.cfg.DailyLimit
	}
	return hourly, daily
}

// SuggestDegradation maps the tighter window onto a service level.
func (m *Manager) SuggestDegradation() string {
	hourly, daily := m.GetUsagePct()
	worst := hourly
	if daily > worst {
		worst = daily
	}
	switch {
	case worst >= 1.0:
		return DegradeLocal
	case worst >= 0.9:
		return DegradeCloud
	case worst >= 0.7:
		return DegradeLite
	default:
		return DegradeNone
	}
}

// spentLocked recomputes both windows from the log. Caller holds m.mu.
func (m *Manager) spentLocked(now time.Time) (hour, day float64) {
	hourCutoff := now.Add(-time.Hour)
	dayCutoff := now.Add(-24 * time.Hour)
	for _, r := range m.records {
		if r.At.After(dayCutoff) {
			day += r.Cost
			if r.At.After(hourCutoff) {
				hour += r.Cost
			}
		}
	}
	return hour, day
}

// pruneLocked drops records older than the retain window. Caller holds m.mu.
func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-retainWindow)
	kept := m.records[:0]
	for _, r := range m.records {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	m.records = kept
}

// markDirtyLocked schedules a debounced save. Caller holds m.mu.
func (m *Manager) markDirtyLocked() {
	if m.dirty {
		return
	}
	m.dirty = true
	time.AfterFunc(5*time.Second, func() {
		if err := m.Flush(); err != nil {
			logging.Get(logging.CategoryBudget).Error("usage log auto-save failed: %v", err)
		}
	})
}

// Flush persists the usage log if anything changed.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	data, err := json.Marshal(m.records)
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

// Close flushes and releases the manager.
func (m *Manager) Close() error {
	return m.Flush()
}
