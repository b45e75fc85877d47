package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"recall/internal/logging"
	"recall/internal/maintain"
	"recall/internal/types"
	"recall/internal/vector"
)

// Consolidate merges exact near-duplicates that have aged past the
// configured threshold. The oldest copy survives and absorbs the tags of
// the ones it replaces. Returns how many items were merged away.
func (e *Engine) Consolidate(ctx context.Context) (int, error) {
	minAge := time.Duration(e.cfg.Maintenance.ConsolidateMinAgeMinutes) * time.Minute
	cutoff := time.Now().Add(-minAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	merged := 0
	for _, sc := range e.scopes.Scopes() {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		byContent := make(map[string]*types.Item)
		for _, it := range e.scopes.GetAll(sc) {
			if it.CreatedAt.After(cutoff) {
				continue
			}
			key := strings.ToLower(strings.Join(strings.Fields(it.Content), " "))
			keeper, seen := byContent[key]
			if !seen {
				byContent[key] = it
				continue
			}
			// GetAll is turn-ordered, so keeper is the older copy.
			for _, tag := range it.Tags {
				if !keeper.HasTag(tag) {
					keeper.Tags = append(keeper.Tags, tag)
				}
			}
			if _, err := e.scopes.Update(sc, keeper.ID, func(dst *types.Item) {
				dst.Tags = keeper.Tags
			}); err != nil {
				logging.Get(logging.CategoryMaintain).Warn("consolidate tag merge for %s: %v", keeper.ID, err)
			}
			if err := e.scopes.Delete(sc, it.ID); err != nil {
				logging.Get(logging.CategoryMaintain).Warn("consolidate delete for %s: %v", it.ID, err)
				continue
			}
			if err := e.volumes.Delete(it.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
				logging.Get(logging.CategoryMaintain).Warn("consolidate tombstone for %s: %v", it.ID, err)
			}
			e.removeDerivedLocked(map[string]struct{}{it.ID: {}})
			merged++
		}
	}
	return merged, nil
}

// Compact flushes every store so WALs fold into their snapshots.
func (e *Engine) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.Flush()
}

// OptimizeVectors rebuilds the IVF index when tombstones pass the
// configured ratio. Flat indexes have nothing to optimize.
func (e *Engine) OptimizeVectors(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ivf, ok := e.vectors.(*vector.IVF)
	if !ok {
		return false, nil
	}
	ratio := ivf.TombstoneRatio()
	maintain.ObserveTombstoneRatio(ratio)
	if ratio < e.cfg.Maintenance.TombstoneRebuildRatio {
		return false, nil
	}
	if err := ivf.Rebuild(); err != nil {
		return false, fmt.Errorf("vector rebuild: %w", err)
	}
	return true, nil
}

// HealthCheck verifies the data root is writable and that the working
// set agrees with the volume log.
func (e *Engine) HealthCheck(ctx context.Context) error {
	probe := e.cfg.DataRoot + "/.health"
	if err := os.WriteFile(probe, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("data root not writable: %w", err)
	}

	// Sample the newest items of each scope against the log.
	for _, sc := range e.scopes.Scopes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, it := range e.scopes.GetRecent(sc, 3) {
			if _, err := e.volumes.GetByID(it.ID); err != nil {
				return fmt.Errorf("%w: item %s in scope %s missing from the volume log",
					types.ErrIndexCorrupt, it.ID, sc.Path())
			}
		}
	}
	return nil
}

// RunMaintenance triggers one named maintenance task immediately.
func (e *Engine) RunMaintenance(ctx context.Context, task string) error {
	if e.scheduler == nil {
		return fmt.Errorf("%w: maintenance is disabled", types.ErrValidation)
	}
	return e.scheduler.ForceRun(ctx, task)
}

// Reset erases every store. This is the only way to wipe the default
// user partition.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"inverted", e.inverted.Clear},
		{"ngram", e.ngrams.Clear},
		{"metadata", e.metadata.Clear},
		{"entity", e.entities.Clear},
		{"vector", e.vectors.Clear},
		{"graph", e.kg.Clear},
		{"episode", e.episodes.Clear},
		{"volume", e.volumes.Clear},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("reset %s: %w", step.name, err)
		}
	}
	for _, sc := range e.scopes.Scopes() {
		if err := e.scopes.Clear(sc); err != nil {
			return fmt.Errorf("reset scope %s: %w", sc.Path(), err)
		}
	}
	logging.Engine("store reset")
	return nil
}
