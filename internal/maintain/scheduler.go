// Package maintain runs the background upkeep of the memory store:
// consolidation of stale duplicates, index compaction, vector index
// rebuilds and periodic health checks. Tasks run sequentially on a
// one-minute tick so they never contend with each other.
package maintain

import (
	"context"
	"sync"
	"time"

	"recall/internal/config"
	"recall/internal/logging"
)

// Task names, also the prometheus label values.
const (
	TaskConsolidate = "consolidate"
	TaskCompact     = "compact"
	TaskOptimize    = "optimize"
	TaskHealth      = "health"
)

// Ops is what the scheduler drives. The engine implements it.
type Ops interface {
	// Consolidate merges near-duplicate memories older than the
	// configured age and returns how many items were merged away.
	Consolidate(ctx context.Context) (int, error)
	// Compact rewrites the on-disk indexes without dead entries.
	Compact(ctx context.Context) error
	// OptimizeVectors rebuilds the vector index when its tombstone
	// ratio crosses the threshold. Returns whether a rebuild ran.
	OptimizeVectors(ctx context.Context) (bool, error)
	// HealthCheck verifies the stores are readable and consistent.
	HealthCheck(ctx context.Context) error
}

// Task is one scheduled job.
type Task struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	NextRun  time.Time     `json:"next_run"`
	Enabled  bool          `json:"enabled"`

	run func(ctx context.Context) error
}

// Scheduler owns the task table and the tick loop.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*Task
	ops     Ops
	tick    time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New builds a scheduler from the maintenance config. Intervals of zero
// disable the individual task.
func New(cfg config.MaintenanceConfig, ops Ops) *Scheduler {
	s := &Scheduler{
		ops:  ops,
		tick: time.Minute,
	}
	minAge := time.Duration(cfg.ConsolidateMinAgeMinutes) * time.Minute
	s.addTask(TaskConsolidate, time.Duration(cfg.ConsolidateEveryMinutes)*time.Minute, func(ctx context.Context) error {
		merged, err := ops.Consolidate(ctx)
		if err != nil {
			return err
		}
		if merged > 0 {
			consolidatedItems.Add(float64(merged))
			logging.Maintain("consolidation merged %d items (min age %s)", merged, minAge)
		}
		return nil
	})
	s.addTask(TaskCompact, time.Duration(cfg.CompactEveryMinutes)*time.Minute, ops.Compact)
	s.addTask(TaskOptimize, time.Duration(cfg.OptimizeEveryMinutes)*time.Minute, func(ctx context.Context) error {
		rebuilt, err := ops.OptimizeVectors(ctx)
		if err != nil {
			return err
		}
		if rebuilt {
			logging.Maintain("vector index rebuilt")
		}
		return nil
	})
	s.addTask(TaskHealth, time.Duration(cfg.HealthEveryMinutes)*time.Minute, ops.HealthCheck)
	return s
}

func (s *Scheduler) addTask(name string, interval time.Duration, run func(ctx context.Context) error) {
	enabled := interval > 0
	t := &Task{Name: name, Interval: interval, Enabled: enabled, run: run}
	if enabled {
		t.NextRun = time.Now().Add(interval)
	}
	s.tasks = append(s.tasks, t)
}

// Start launches the tick loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	logging.Maintain("scheduler started, %d tasks", len(s.tasks))
}

// Stop halts the loop and waits for an in-flight task to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Maintain("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.RunDue(context.Background(), now)
		}
	}
}

// RunDue executes every enabled task whose NextRun has passed, in table
// order. Exposed for the engine's manual maintenance trigger.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []string
	for _, t := range s.tasks {
		if t.Enabled && !now.Before(t.NextRun) {
			due = append(due, t.Name)
		}
	}
	s.mu.Unlock()
	for _, name := range due {
		s.runTask(ctx, name, now)
	}
}

// ForceRun executes one task by name regardless of its schedule.
func (s *Scheduler) ForceRun(ctx context.Context, name string) error {
	return s.runTask(ctx, name, time.Now())
}

// runTask executes one task and reschedules it from now, which is the
// tick that made it due rather than the wall clock.
func (s *Scheduler) runTask(ctx context.Context, name string, now time.Time) error {
	s.mu.Lock()
	var task *Task
	for _, t := range s.tasks {
		if t.Name == name {
			task = t
			break
		}
	}
	s.mu.Unlock()
	if task == nil {
		return nil
	}

	timer := logging.StartTimer(logging.CategoryMaintain, name)
	start := time.Now()
	err := task.run(ctx)
	taskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	timer.StopWithThreshold(10 * time.Second)

	s.mu.Lock()
	task.LastRun = now
	if task.Interval > 0 {
		task.NextRun = now.Add(task.Interval)
	}
	s.mu.Unlock()

	if err != nil {
		taskRuns.WithLabelValues(name, "error").Inc()
		logging.Get(logging.CategoryMaintain).Error("task %s failed: %v", name, err)
		return err
	}
	taskRuns.WithLabelValues(name, "ok").Inc()
	return nil
}

// Tasks returns a copy of the task table for the stats endpoint.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}
