package maintain

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"recall/internal/config"
)

type fakeOps struct {
	consolidates atomic.Int64
	compacts     atomic.Int64
	optimizes    atomic.Int64
	healths      atomic.Int64
	healthErr    error
}

func (f *fakeOps) Consolidate(context.Context) (int, error) {
	f.consolidates.Add(1)
	return 2, nil
}
func (f *fakeOps) Compact(context.Context) error {
	f.compacts.Add(1)
	return nil
}
func (f *fakeOps) OptimizeVectors(context.Context) (bool, error) {
	f.optimizes.Add(1)
	return false, nil
}
func (f *fakeOps) HealthCheck(context.Context) error {
	f.healths.Add(1)
	return f.healthErr
}

func allEnabled() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		Enabled:                 true,
		ConsolidateEveryMinutes: 60,
		CompactEveryMinutes:     30,
		OptimizeEveryMinutes:    15,
		HealthEveryMinutes:      5,
	}
}

func TestRunDueRespectsSchedule(t *testing.T) {
	ops := &fakeOps{}
	s := New(allEnabled(), ops)

	// Nothing is due right after construction.
	s.RunDue(context.Background(), time.Now())
	assert.Zero(t, ops.healths.Load())

	// An hour later everything is due exactly once.
	tick := time.Now().Add(time.Hour)
	s.RunDue(context.Background(), tick)
	assert.Equal(t, int64(1), ops.consolidates.Load())
	assert.Equal(t, int64(1), ops.compacts.Load())
	assert.Equal(t, int64(1), ops.optimizes.Load())
	assert.Equal(t, int64(1), ops.healths.Load())

	// Rescheduling is anchored to the tick, not the wall clock.
	for _, task := range s.Tasks() {
		if task.Name == TaskHealth {
			assert.Equal(t, tick, task.LastRun)
			assert.Equal(t, tick.Add(5*time.Minute), task.NextRun)
		}
	}

	// Running again at the same instant does nothing: NextRun advanced.
	s.RunDue(context.Background(), tick)
	assert.Equal(t, int64(1), ops.healths.Load())

	// Six more minutes and only the health check fires again.
	s.RunDue(context.Background(), tick.Add(6*time.Minute))
	assert.Equal(t, int64(2), ops.healths.Load())
	assert.Equal(t, int64(1), ops.compacts.Load())
}

func TestZeroIntervalDisablesTask(t *testing.T) {
	cfg := allEnabled()
	cfg.ConsolidateEveryMinutes = 0
	ops := &fakeOps{}
	s := New(cfg, ops)

	s.RunDue(context.Background(), time.Now().Add(24*time.Hour))
	assert.Zero(t, ops.consolidates.Load())
	assert.Equal(t, int64(1), ops.compacts.Load())

	var consolidate Task
	for _, task := range s.Tasks() {
		if task.Name == TaskConsolidate {
			consolidate = task
		}
	}
	assert.False(t, consolidate.Enabled)
}

func TestForceRunIgnoresSchedule(t *testing.T) {
	ops := &fakeOps{}
	s := New(allEnabled(), ops)

	require.NoError(t, s.ForceRun(context.Background(), TaskHealth))
	assert.Equal(t, int64(1), ops.healths.Load())

	ops.healthErr = fmt.Errorf("index unreadable")
	assert.Error(t, s.ForceRun(context.Background(), TaskHealth))
}

func TestTaskErrorDoesNotStopOthers(t *testing.T) {
	ops := &fakeOps{healthErr: fmt.Errorf("degraded")}
	cfg := allEnabled()
	cfg.HealthEveryMinutes = 1
	s := New(cfg, ops)

	s.RunDue(context.Background(), time.Now().Add(2*time.Hour))
	assert.Equal(t, int64(1), ops.healths.Load())
	assert.Equal(t, int64(1), ops.compacts.Load())

	// The failing task stays scheduled.
	s.RunDue(context.Background(), time.Now().Add(4*time.Hour))
	assert.Equal(t, int64(2), ops.healths.Load())
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(allEnabled(), &fakeOps{})
	s.Start()
	s.Start() // idempotent
	s.Stop()
	s.Stop()
}
