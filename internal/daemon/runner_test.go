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

package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/store"
	"github.com/kadirpekel/apex/pkg/config"
)

type fakeStore struct {
	mu            sync.Mutex
	tasks         map[string]*apextask.Task
	queued        []string // ids to hand out in order from GetNextQueuedTask
	pausedResume  []*apextask.Task
	updates       []store.UpdateTaskPatch
	listErr       error
	queuedErr     error
	pausedErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*apextask.Task)}
}

func (f *fakeStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*apextask.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*apextask.Task
	for _, t := range f.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) GetNextQueuedTask(ctx context.Context) (*apextask.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queuedErr != nil {
		return nil, f.queuedErr
	}
	if len(f.queued) == 0 {
		return nil, nil
	}
	id := f.queued[0]
	f.queued = f.queued[1:]
	return f.tasks[id], nil
}

func (f *fakeStore) GetPausedTasksForResume(ctx context.Context) ([]*apextask.Task, error) {
	if f.pausedErr != nil {
		return nil, f.pausedErr
	}
	return f.pausedResume, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, patch store.UpdateTaskPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, patch)
	t, ok := f.tasks[id]
	if !ok {
		return apextaskNotFound{}
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

type apextaskNotFound struct{}

func (apextaskNotFound) Error() string { return "task not found" }

type fakeOrchestrator struct {
	mu           sync.Mutex
	executed     []string
	resumed      []string
	executeErr   map[string]error
	resumeErr    map[string]error
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{executeErr: map[string]error{}, resumeErr: map[string]error{}}
}

func (f *fakeOrchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, taskID)
	return f.executeErr[taskID]
}

func (f *fakeOrchestrator) ResumePausedTask(ctx context.Context, taskID, userInput string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, taskID)
	return f.resumeErr[taskID]
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewClampsPollIntervalAndFillsConcurrencyFromConfig(t *testing.T) {
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()
	cfg.PollInterval = 500 * time.Millisecond // below the 1s floor
	cfg.MaxConcurrentTasks = 7

	r := New(cfg, Options{Store: newFakeStore(), Orchestrator: newFakeOrchestrator()})
	assert.Equal(t, time.Second, r.pollInterval)
	assert.Equal(t, 7, r.maxConcurrentTasks)
}

func TestNewExplicitOptionsOverrideConfig(t *testing.T) {
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()
	cfg.PollInterval = 10 * time.Second
	cfg.MaxConcurrentTasks = 3

	r := New(cfg, Options{
		Store:              newFakeStore(),
		Orchestrator:       newFakeOrchestrator(),
		PollInterval:       2 * time.Second,
		MaxConcurrentTasks: 9,
	})
	assert.Equal(t, 2*time.Second, r.pollInterval)
	assert.Equal(t, 9, r.maxConcurrentTasks)
}

func TestNewClampsPollIntervalAboveCeiling(t *testing.T) {
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	r := New(cfg, Options{Store: newFakeStore(), Orchestrator: newFakeOrchestrator(), PollInterval: 5 * time.Minute})
	assert.Equal(t, 60*time.Second, r.pollInterval)
}

func TestTickDispatchesUpToFreeSlots(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	for _, id := range []string{"t1", "t2", "t3"} {
		st.tasks[id] = &apextask.Task{ID: id, Status: apextask.StatusPending, UpdatedAt: now}
		st.queued = append(st.queued, id)
	}

	orch := newFakeOrchestrator()
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	r := New(cfg, Options{Store: st, Orchestrator: orch, MaxConcurrentTasks: 2, Now: fixedNow(now)})
	r.tick(context.Background())

	// dispatch happens on goroutines; give them a moment to record.
	require.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.executed) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTickDispatchesWhenNoSchedulerConfigured(t *testing.T) {
	st := newFakeStore()
	st.queued = append(st.queued, "t1")
	st.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusPending}

	orch := newFakeOrchestrator()
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	r := New(cfg, Options{Store: st, Orchestrator: orch, MaxConcurrentTasks: 2})
	r.tick(context.Background())
	require.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.executed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRecoverOrphansResetsStaleInProgressTasks(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	stale := now.Add(-2 * time.Hour)
	fresh := now.Add(-1 * time.Minute)

	st.tasks["stale"] = &apextask.Task{ID: "stale", Status: apextask.StatusInProgress, UpdatedAt: stale}
	st.tasks["fresh"] = &apextask.Task{ID: "fresh", Status: apextask.StatusInProgress, UpdatedAt: fresh}

	bus := eventbus.New(nil)
	var detected []eventbus.OrphanDetectedEvent
	var recovered []eventbus.OrphanRecoveredEvent
	bus.Subscribe(eventbus.OrphanDetected, func(p any) { detected = append(detected, p.(eventbus.OrphanDetectedEvent)) })
	bus.Subscribe(eventbus.OrphanRecovered, func(p any) { recovered = append(recovered, p.(eventbus.OrphanRecoveredEvent)) })

	cfg := config.DaemonConfig{}
	cfg.SetDefaults()
	cfg.OrphanStalenessThreshold = time.Hour

	r := New(cfg, Options{Store: st, Orchestrator: newFakeOrchestrator(), Bus: bus, Now: fixedNow(now)})
	require.NoError(t, r.recoverOrphans(context.Background()))

	require.Len(t, detected, 1)
	assert.Equal(t, "stale", detected[0].Tasks[0].ID)
	require.Len(t, recovered, 1)
	assert.Equal(t, "stale", recovered[0].TaskID)
	assert.Equal(t, apextask.StatusPending, st.tasks["stale"].Status)
	assert.Equal(t, apextask.StatusInProgress, st.tasks["fresh"].Status, "fresh in-progress task must not be touched")
}

func TestRecoverOrphansNoopWhenNoneStale(t *testing.T) {
	st := newFakeStore()
	now := time.Now()
	st.tasks["fresh"] = &apextask.Task{ID: "fresh", Status: apextask.StatusInProgress, UpdatedAt: now}

	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	r := New(cfg, Options{Store: st, Orchestrator: newFakeOrchestrator(), Now: fixedNow(now)})
	require.NoError(t, r.recoverOrphans(context.Background()))
	assert.Empty(t, st.updates)
}

func TestHandleCapacityRestoredResumesAllAndAggregates(t *testing.T) {
	st := newFakeStore()
	st.pausedResume = []*apextask.Task{
		{ID: "p1", Status: apextask.StatusPaused},
		{ID: "p2", Status: apextask.StatusPaused},
	}

	orch := newFakeOrchestrator()
	orch.resumeErr["p2"] = errors.New("boom")

	bus := eventbus.New(nil)
	var aggregate eventbus.AutoResumedEvent
	var got bool
	bus.Subscribe(eventbus.TasksAutoResumed, func(p any) {
		aggregate = p.(eventbus.AutoResumedEvent)
		got = true
	})

	cfg := config.DaemonConfig{}
	cfg.SetDefaults()
	now := time.Now()

	r := New(cfg, Options{Store: st, Orchestrator: orch, Bus: bus, Now: fixedNow(now)})
	r.handleCapacityRestored(context.Background(), eventbus.ReasonBudgetReset)

	require.True(t, got)
	assert.Equal(t, 1, aggregate.ResumedCount)
	require.Len(t, aggregate.Errors, 1)
	assert.Equal(t, "p2", aggregate.Errors[0].TaskID)
	assert.Equal(t, string(eventbus.ReasonBudgetReset), aggregate.Reason)
	assert.ElementsMatch(t, []string{"p1", "p2"}, orch.resumed)
}

func TestHandleCapacityRestoredNoopWhenNothingPaused(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	called := false
	bus.Subscribe(eventbus.TasksAutoResumed, func(p any) { called = true })

	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	r := New(cfg, Options{Store: st, Orchestrator: newFakeOrchestrator(), Bus: bus})
	r.handleCapacityRestored(context.Background(), eventbus.ReasonManualOverride)
	assert.False(t, called)
}

func TestCapacityRestoredEventOnBusInvokesHandler(t *testing.T) {
	st := newFakeStore()
	st.pausedResume = []*apextask.Task{{ID: "p1", Status: apextask.StatusPaused}}

	orch := newFakeOrchestrator()
	bus := eventbus.New(nil)

	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	_ = New(cfg, Options{Store: st, Orchestrator: orch, Bus: bus})
	bus.Publish(eventbus.CapacityRestored, eventbus.CapacityRestoredEvent{Reason: eventbus.ReasonCapacityDropped})

	require.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.resumed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunStopsOnStopSignal(t *testing.T) {
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()
	cfg.PollInterval = time.Second

	r := New(cfg, Options{Store: newFakeStore(), Orchestrator: newFakeOrchestrator()})
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Stop()
	}()

	err := r.Run(context.Background())
	assert.NoError(t, err)
	select {
	case <-r.Done():
	default:
		t.Fatal("expected Done() to be closed after Run returns")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.DaemonConfig{}
	cfg.SetDefaults()
	cfg.PollInterval = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	r := New(cfg, Options{Store: newFakeStore(), Orchestrator: newFakeOrchestrator()})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	assert.NoError(t, r.Run(ctx))
}

func TestActiveTasksTracksInFlightDispatch(t *testing.T) {
	st := newFakeStore()
	st.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusPending}
	st.queued = append(st.queued, "t1")

	cfg := config.DaemonConfig{}
	cfg.SetDefaults()

	r := New(cfg, Options{Store: st, Orchestrator: newFakeOrchestrator(), MaxConcurrentTasks: 1})
	r.dispatch(context.Background(), "t1")

	require.Eventually(t, func() bool { return r.ActiveTasks() == 0 }, time.Second, 10*time.Millisecond)
}
