// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon implements the long-running runner that polls the task
// store for ready work, dispatches it to the orchestrator, recovers
// orphaned in-progress tasks at startup, and resumes paused tasks once
// the capacity monitor announces headroom. It is the process that
// `cmd/apexd serve` keeps alive.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/capacity"
	"github.com/kadirpekel/apex/internal/daemonsched"
	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/health"
	"github.com/kadirpekel/apex/internal/metrics"
	"github.com/kadirpekel/apex/internal/store"
	"github.com/kadirpekel/apex/pkg/config"
)

// Store is the narrowed persistence contract the runner needs. The full
// store.Store (CRUD for logs/artifacts/checkpoints/gates/iterations) is
// the Orchestrator's concern; the runner only needs to find work and
// flip status.
type Store interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*apextask.Task, error)
	GetNextQueuedTask(ctx context.Context) (*apextask.Task, error)
	GetPausedTasksForResume(ctx context.Context) ([]*apextask.Task, error)
	UpdateTask(ctx context.Context, id string, patch store.UpdateTaskPatch) error
	Close() error
}

// Orchestrator is the narrowed lifecycle-engine contract the runner
// drives tasks through. Satisfied structurally by *orchestrator.Manager.
type Orchestrator interface {
	ExecuteTask(ctx context.Context, taskID string) error
	ResumePausedTask(ctx context.Context, taskID, userInput string) error
}

// Options configures a Runner. Fields left zero fall back to cfg's
// values, then to config.DaemonConfig's defaults, per the same
// explicit-options > config > defaults priority pkg/config itself
// documents for log levels.
type Options struct {
	Store        Store
	Orchestrator Orchestrator
	Bus          *eventbus.Bus
	Usage        *capacity.Monitor
	Scheduler    *daemonsched.Scheduler
	Health       *health.Monitor
	Metrics      *metrics.Collector
	Logger       *slog.Logger

	// PollInterval and MaxConcurrentTasks, when non-zero, take priority
	// over cfg.Daemon's values.
	PollInterval       time.Duration
	MaxConcurrentTasks int

	Now func() time.Time
}

// Runner is the daemon's main loop: poll for ready tasks, dispatch up to
// a concurrency cap, recover orphans at startup, and resume paused tasks
// on capacity-restored.
type Runner struct {
	store        Store
	orchestrator Orchestrator
	bus          *eventbus.Bus
	usageMonitor *capacity.Monitor
	scheduler    *daemonsched.Scheduler
	health       *health.Monitor
	metrics      *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time

	pollInterval       time.Duration
	maxConcurrentTasks int
	orphanStaleness    time.Duration

	activeMu    sync.Mutex
	activeTasks int

	stop chan struct{}
	done chan struct{}
}

// New builds a Runner. cfg supplies defaults for anything Options leaves
// zero: explicit Options field > cfg.Daemon field > config.DaemonConfig
// package defaults (already applied by cfg.SetDefaults before this is
// called).
func New(cfg config.DaemonConfig, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	poll := opts.PollInterval
	if poll == 0 {
		poll = cfg.PollInterval
	}
	if poll < time.Second {
		poll = time.Second
	}
	if poll > 60*time.Second {
		poll = 60 * time.Second
	}

	maxConcurrent := opts.MaxConcurrentTasks
	if maxConcurrent == 0 {
		maxConcurrent = cfg.MaxConcurrentTasks
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	r := &Runner{
		store:              opts.Store,
		orchestrator:       opts.Orchestrator,
		bus:                opts.Bus,
		usageMonitor:       opts.Usage,
		scheduler:          opts.Scheduler,
		health:             opts.Health,
		metrics:            opts.Metrics,
		logger:             logger,
		now:                now,
		pollInterval:       poll,
		maxConcurrentTasks: maxConcurrent,
		orphanStaleness:    cfg.OrphanStalenessThreshold,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}

	if r.bus != nil {
		r.bus.Subscribe(eventbus.CapacityRestored, func(payload any) {
			evt, _ := payload.(eventbus.CapacityRestoredEvent)
			r.handleCapacityRestored(context.Background(), evt.Reason)
		})
	}

	return r
}

// Run recovers orphans, then polls until ctx is cancelled or Stop is
// called, and returns at once. It does not wait for in-flight tasks to
// drain; ActiveTasks reports how many are still running.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	if err := r.recoverOrphans(ctx); err != nil {
		r.logger.Error("orphan recovery failed", "error", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info("daemon started", "poll_interval", r.pollInterval, "max_concurrent_tasks", r.maxConcurrentTasks)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("daemon shutting down", "reason", ctx.Err())
			return nil
		case <-r.stop:
			r.logger.Info("daemon stopping")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Stop signals Run to return after its current tick. It does not wait
// for active tasks to drain. Done() closes when Run returns, not when
// tasks finish; ActiveTasks() reports the tasks still running.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Done reports when Run has returned.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// ActiveTasks returns the number of tasks currently dispatched to the
// orchestrator.
func (r *Runner) ActiveTasks() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return r.activeTasks
}

func (r *Runner) tick(ctx context.Context) {
	if r.usageMonitor != nil {
		r.usageMonitor.Observe()
		r.metrics.SetCapacityPercentage(r.usageMonitor.Percentage())
	}

	if r.scheduler != nil {
		decision := r.scheduler.ShouldPauseTasks(r.now())
		if decision.ShouldPause {
			r.logger.Debug("dispatch paused", "reason", decision.Reason)
			return
		}
	}

	free := r.maxConcurrentTasks - r.ActiveTasks()
	for i := 0; i < free; i++ {
		task, err := r.store.GetNextQueuedTask(ctx)
		if err != nil {
			r.logger.Error("poll for queued task failed", "error", err)
			return
		}
		if task == nil {
			return
		}
		r.dispatch(ctx, task.ID)
	}
}

func (r *Runner) dispatch(ctx context.Context, taskID string) {
	r.activeMu.Lock()
	r.activeTasks++
	active := r.activeTasks
	r.activeMu.Unlock()
	r.metrics.RecordDispatch(active)

	go func() {
		err := r.orchestrator.ExecuteTask(ctx, taskID)

		r.activeMu.Lock()
		r.activeTasks--
		active := r.activeTasks
		r.activeMu.Unlock()
		r.metrics.RecordCompletion(err != nil, active)

		if err != nil {
			r.logger.Error("task execution failed", "task_id", taskID, "error", err)
		}
	}()
}

// recoverOrphans lists in-progress tasks stale enough to indicate the
// worker driving them did not survive a previous daemon process, and
// resets each to pending so the poll loop picks it back up.
func (r *Runner) recoverOrphans(ctx context.Context) error {
	inProgress := apextask.StatusInProgress
	tasks, err := r.store.ListTasks(ctx, store.TaskFilter{Status: &inProgress})
	if err != nil {
		return fmt.Errorf("list in-progress tasks: %w", err)
	}

	now := r.now()
	var orphans []*apextask.Task
	for _, t := range tasks {
		if t.IsOrphan(now, r.orphanStaleness) {
			orphans = append(orphans, t)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	r.logger.Warn("orphaned tasks detected", "count", len(orphans))
	if r.bus != nil {
		r.bus.Publish(eventbus.OrphanDetected, eventbus.OrphanDetectedEvent{
			Tasks:              orphans,
			Reason:             "startup_check",
			StalenessThreshold: r.orphanStaleness,
			DetectedAt:         now,
		})
	}

	pending := apextask.StatusPending
	for _, t := range orphans {
		prevStatus := t.Status
		if err := r.store.UpdateTask(ctx, t.ID, store.UpdateTaskPatch{Status: &pending}); err != nil {
			r.logger.Error("orphan recovery update failed", "task_id", t.ID, "error", err)
			continue
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.OrphanRecovered, eventbus.OrphanRecoveredEvent{
				TaskID:         t.ID,
				PreviousStatus: prevStatus,
				NewStatus:      pending,
				Action:         "reset_pending",
				Message:        "task reset to pending after being found orphaned at startup",
				Timestamp:      now,
			})
		}
	}
	return nil
}

// handleCapacityRestored resumes every auto-resumable paused task once
// the capacity monitor reports headroom. One task's resume failure does
// not stop the others; all failures are collected into the aggregate
// event and the handler never panics the bus dispatch loop.
func (r *Runner) handleCapacityRestored(ctx context.Context, reason eventbus.CapacityRestoredReason) {
	tasks, err := r.store.GetPausedTasksForResume(ctx)
	if err != nil {
		r.logger.Error("list paused tasks for resume failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	var resumeErrors []eventbus.ResumeError
	resumed := 0
	for _, t := range tasks {
		if err := r.orchestrator.ResumePausedTask(ctx, t.ID, ""); err != nil {
			r.logger.Error("auto-resume failed", "task_id", t.ID, "error", err)
			resumeErrors = append(resumeErrors, eventbus.ResumeError{TaskID: t.ID, Error: err.Error()})
			continue
		}
		resumed++
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.TasksAutoResumed, eventbus.AutoResumedEvent{
			ResumedCount: resumed,
			Errors:       resumeErrors,
			Reason:       string(reason),
			Timestamp:    r.now(),
		})
	}
}
