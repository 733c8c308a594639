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

package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/store"
	"github.com/kadirpekel/apex/internal/usage"
	"github.com/kadirpekel/apex/internal/workspace"
	"github.com/kadirpekel/apex/pkg/config"
)

type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]*apextask.Task
	checkpoints map[string][]apextask.Checkpoint
	gates       map[string]apextask.Gate
	logs        []apextask.Log
	artifacts   []apextask.Artifact
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:       map[string]*apextask.Task{},
		checkpoints: map[string][]apextask.Checkpoint{},
		gates:       map[string]apextask.Gate{},
	}
}

func (f *fakeStore) CreateTask(_ context.Context, t *apextask.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*apextask.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id], nil
}

func (f *fakeStore) UpdateTask(_ context.Context, id string, patch store.UpdateTaskPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return apexerrNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.CurrentStage != nil {
		t.CurrentStage = *patch.CurrentStage
	}
	if patch.ResumeAttempts != nil {
		t.ResumeAttempts = *patch.ResumeAttempts
	}
	if patch.RetryCount != nil {
		t.RetryCount = *patch.RetryCount
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	if patch.ClearPausedAt {
		t.PausedAt = nil
	} else if patch.PausedAt != nil {
		t.PausedAt = patch.PausedAt
	}
	if patch.ClearResumeAfter {
		t.ResumeAfter = nil
	} else if patch.ResumeAfter != nil {
		t.ResumeAfter = patch.ResumeAfter
	}
	if patch.PauseReason != nil {
		t.PauseReason = *patch.PauseReason
	}
	if patch.Usage != nil {
		t.Usage = *patch.Usage
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.TrashedAt != nil {
		t.TrashedAt = patch.TrashedAt
	}
	return nil
}

func (f *fakeStore) AddLog(_ context.Context, l apextask.Log) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeStore) AddArtifact(_ context.Context, a apextask.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, a)
	return nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, ck apextask.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[ck.TaskID] = append(f.checkpoints[ck.TaskID], ck)
	return nil
}

func (f *fakeStore) GetLatestCheckpoint(_ context.Context, taskID string) (*apextask.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cks := f.checkpoints[taskID]
	if len(cks) == 0 {
		return nil, nil
	}
	latest := cks[0]
	for _, ck := range cks[1:] {
		if ck.CreatedAt.After(latest.CreatedAt) {
			latest = ck
		}
	}
	return &latest, nil
}

func (f *fakeStore) SetGate(_ context.Context, g apextask.Gate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[g.TaskID+"/"+g.Name] = g
	return nil
}

var apexerrNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "task not found" }

type fakeAgent struct {
	mu      sync.Mutex
	calls   []string
	results map[string]AgentResult
	err     error
}

func (a *fakeAgent) ExecuteStage(_ context.Context, task *apextask.Task, stage, _ string) (AgentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, stage)
	if a.err != nil {
		return AgentResult{}, a.err
	}
	if r, ok := a.results[stage]; ok {
		return r, nil
	}
	return AgentResult{Status: StatusCompleted, Output: "done:" + stage, Usage: apextask.Usage{TotalTokens: 10, EstimatedCost: 0.01}}, nil
}

type fakeWorkspace struct {
	mu       sync.Mutex
	infos    map[string]*workspace.Info
	deleted  map[string]bool
	delErr   error
}

func (w *fakeWorkspace) Create(_ context.Context, taskID, _ string) (string, error) { return "", nil }
func (w *fakeWorkspace) Get(_ context.Context, taskID string) (*workspace.Info, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.infos[taskID], nil
}
func (w *fakeWorkspace) SwitchTo(_ context.Context, taskID string) (string, error) { return "", nil }
func (w *fakeWorkspace) Delete(_ context.Context, taskID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.delErr != nil {
		return false, w.delErr
	}
	_, existed := w.infos[taskID]
	delete(w.infos, taskID)
	if w.deleted == nil {
		w.deleted = map[string]bool{}
	}
	w.deleted[taskID] = true
	return existed, nil
}
func (w *fakeWorkspace) List(_ context.Context) ([]workspace.Info, error) { return nil, nil }
func (w *fakeWorkspace) CleanupOrphaned(_ context.Context) ([]string, error) { return nil, nil }

type fakeVCS struct {
	available bool
	prState   string
	prErr     error
	mergeOut  MergeOutcome
	mergeErr  error
	base      string
}

func (v *fakeVCS) Available(context.Context) bool { return v.available }
func (v *fakeVCS) PRState(context.Context, string, string) (string, error) {
	return v.prState, v.prErr
}
func (v *fakeVCS) DefaultBranch(context.Context, string) (string, error) { return v.base, nil }
func (v *fakeVCS) Merge(context.Context, string, string, string, bool) (MergeOutcome, error) {
	return v.mergeOut, v.mergeErr
}

func baseCfg() config.Config {
	var c config.Config
	c.ProjectPath = "/proj"
	c.SetDefaults()
	return c
}

func TestCreateTaskRequiresDescription(t *testing.T) {
	m := New(newFakeStore(), nil, nil, nil, nil, nil, baseCfg(), nil)
	_, err := m.CreateTask(context.Background(), CreateTaskRequest{})
	assert.Error(t, err)
}

func TestCreateTaskPublishesEvent(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	var created int
	bus.Subscribe(eventbus.TaskCreated, func(any) { created++ })
	m := New(st, nil, nil, bus, nil, nil, baseCfg(), nil)

	task, err := m.CreateTask(context.Background(), CreateTaskRequest{Description: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, apextask.StatusPending, task.Status)
	assert.Equal(t, apextask.AutonomyFull, task.Autonomy)
	assert.Equal(t, 1, created)
}

func TestExecuteTaskRunsAllStagesAndCompletes(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	var completed int
	bus.Subscribe(eventbus.TaskCompleted, func(any) { completed++ })
	agent := &fakeAgent{}
	usageMgr := usage.New(config.UsageConfig{DailyBudgetUSD: 1000, MaxTokensPerTask: 1_000_000, MaxCostPerTask: 1000}, nil)
	m := New(st, nil, usageMgr, bus, agent, nil, baseCfg(), nil)

	task, err := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	require.NoError(t, err)

	err = m.ExecuteTask(context.Background(), task.ID)
	require.NoError(t, err)

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusCompleted, got.Status)
	assert.Equal(t, len(defaultStages), len(agent.calls))
	assert.Equal(t, 1, completed)
}

func TestExecuteTaskFailsOnNonPendingTask(t *testing.T) {
	st := newFakeStore()
	m := New(st, nil, nil, nil, &fakeAgent{}, nil, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	inProgress := apextask.StatusInProgress
	_ = st.UpdateTask(context.Background(), task.ID, store.UpdateTaskPatch{Status: &inProgress})

	err := m.ExecuteTask(context.Background(), task.ID)
	assert.Error(t, err)
}

func TestManualAutonomyHaltsAfterPlanning(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{}
	m := New(st, nil, nil, nil, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go", Autonomy: apextask.AutonomyManual})
	err := m.ExecuteTask(context.Background(), task.ID)
	require.NoError(t, err)

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusPaused, got.Status)
	assert.Equal(t, apextask.PauseManual, got.PauseReason)
	assert.Equal(t, []string{"planning"}, agent.calls)
}

func TestSupervisedAutonomyOpensGateEachStage(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{}
	m := New(st, nil, nil, nil, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go", Autonomy: apextask.AutonomySupervised})
	err := m.ExecuteTask(context.Background(), task.ID)
	require.NoError(t, err)

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusPaused, got.Status)
	assert.Contains(t, st.gates, task.ID+"/stage:planning")
}

func TestRecordUsageSignalPausesTask(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{results: map[string]AgentResult{
		"planning": {Status: StatusCompleted, Usage: apextask.Usage{TotalTokens: 5, EstimatedCost: 5}},
	}}
	usageMgr := usage.New(config.UsageConfig{DailyBudgetUSD: 1000, MaxTokensPerTask: 1000, MaxCostPerTask: 1}, nil)
	m := New(st, nil, usageMgr, nil, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	err := m.ExecuteTask(context.Background(), task.ID)
	require.NoError(t, err)

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusPaused, got.Status)
	assert.Equal(t, apextask.PauseUsageLimit, got.PauseReason)
	assert.Equal(t, []string{"planning"}, agent.calls)
}

func TestExecuteTaskFailsTaskOnAgentError(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{err: assertErr("boom")}
	m := New(st, nil, nil, nil, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	err := m.ExecuteTask(context.Background(), task.ID)
	assert.Error(t, err)

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestExecuteTaskRequeuesOnRetriableFailure(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{err: assertErr("transient")}
	bus := eventbus.New(nil)
	retried := 0
	bus.Subscribe(eventbus.TaskRetried, func(any) { retried++ })
	m := New(st, nil, nil, bus, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go", MaxRetries: 2})
	taskID := task.ID
	err := m.ExecuteTask(context.Background(), taskID)
	assert.Error(t, err)

	got, _ := st.GetTask(context.Background(), taskID)
	assert.Equal(t, apextask.StatusPending, got.Status, "task re-queues to pending while retries remain")
	assert.Equal(t, taskID, got.ID, "retry preserves the original task id")
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 1, retried)
	require.Len(t, st.logs, 1)
	assert.Equal(t, taskID, st.logs[0].TaskID)
}

func TestExecuteTaskGoesTerminalAfterRetriesExhausted(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{err: assertErr("boom")}
	bus := eventbus.New(nil)
	failed := 0
	bus.Subscribe(eventbus.TaskFailed, func(any) { failed++ })
	m := New(st, nil, nil, bus, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go", MaxRetries: 1})
	taskID := task.ID

	require.Error(t, m.ExecuteTask(context.Background(), taskID))
	got, _ := st.GetTask(context.Background(), taskID)
	require.Equal(t, apextask.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)

	require.Error(t, m.ExecuteTask(context.Background(), taskID))

	got, _ = st.GetTask(context.Background(), taskID)
	assert.Equal(t, apextask.StatusFailed, got.Status, "terminal once retryCount reaches maxRetries")
	assert.Equal(t, taskID, got.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 1, failed)
}

func TestResumePausedTaskContinuesFromCheckpoint(t *testing.T) {
	st := newFakeStore()
	agent := &fakeAgent{}
	m := New(st, nil, nil, nil, agent, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go", Autonomy: apextask.AutonomyManual})
	require.NoError(t, m.ExecuteTask(context.Background(), task.ID))
	require.Equal(t, []string{"planning"}, agent.calls)

	err := m.ResumePausedTask(context.Background(), task.ID, "continue please")
	require.NoError(t, err)

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusCompleted, got.Status, "manual autonomy only halts at stage index 0, so resuming runs to completion")
	assert.Equal(t, []string{"planning", "implementation", "testing", "review"}, agent.calls)
	assert.Equal(t, 1, got.ResumeAttempts)
}

func TestResumePausedTaskRejectsNonPausedTask(t *testing.T) {
	st := newFakeStore()
	m := New(st, nil, nil, nil, &fakeAgent{}, nil, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})

	err := m.ResumePausedTask(context.Background(), task.ID, "")
	assert.Error(t, err)
}

func TestTrashTaskEmitsEvent(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	var trashed int
	bus.Subscribe(eventbus.TaskTrashed, func(any) { trashed++ })
	m := New(st, nil, nil, bus, nil, nil, baseCfg(), nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	require.NoError(t, m.TrashTask(context.Background(), task.ID))

	got, _ := st.GetTask(context.Background(), task.ID)
	assert.Equal(t, apextask.StatusCancelled, got.Status)
	assert.NotNil(t, got.TrashedAt)
	assert.Equal(t, 1, trashed)
}

func TestCheckPRMergedFalseWhenNoVCS(t *testing.T) {
	st := newFakeStore()
	m := New(st, nil, nil, nil, nil, nil, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	assert.False(t, m.CheckPRMerged(context.Background(), task.ID))
}

func TestCheckPRMergedFalseWhenNoPRURL(t *testing.T) {
	st := newFakeStore()
	vcs := &fakeVCS{available: true}
	m := New(st, nil, nil, nil, nil, vcs, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	assert.False(t, m.CheckPRMerged(context.Background(), task.ID))
}

func TestCheckPRMergedTrueWhenMerged(t *testing.T) {
	st := newFakeStore()
	vcs := &fakeVCS{available: true, prState: "MERGED"}
	m := New(st, nil, nil, nil, nil, vcs, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	st.mu.Lock()
	st.tasks[task.ID].PullRequestURL = "https://example.com/pull/42"
	st.mu.Unlock()

	assert.True(t, m.CheckPRMerged(context.Background(), task.ID))
}

func TestCleanupMergedWorktreeRejectsEmptyTaskID(t *testing.T) {
	m := New(newFakeStore(), nil, nil, nil, nil, nil, baseCfg(), nil)
	_, err := m.CleanupMergedWorktree(context.Background(), "")
	assert.Error(t, err)
}

func TestCleanupMergedWorktreeFalseWhenNotEnabled(t *testing.T) {
	cfg := baseCfg()
	cfg.Workspace.Strategy = "container"
	m := New(newFakeStore(), nil, nil, nil, nil, nil, cfg, nil)
	ok, err := m.CleanupMergedWorktree(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupMergedWorktreeSucceeds(t *testing.T) {
	st := newFakeStore()
	vcs := &fakeVCS{available: true, prState: "MERGED"}
	ws := &fakeWorkspace{infos: map[string]*workspace.Info{}}
	cfg := baseCfg()
	cfg.Workspace.Strategy = "worktree"
	bus := eventbus.New(nil)
	var cleaned int
	bus.Subscribe(eventbus.WorktreeMergeCleaned, func(any) { cleaned++ })
	m := New(st, ws, nil, bus, nil, vcs, cfg, nil)

	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})
	st.mu.Lock()
	st.tasks[task.ID].PullRequestURL = "https://example.com/pull/7"
	st.mu.Unlock()
	ws.infos[task.ID] = &workspace.Info{Path: "/worktrees/" + task.ID, TaskID: task.ID}

	ok, err := m.CleanupMergedWorktree(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, cleaned)
}

func TestMergeTaskBranchReportsConflict(t *testing.T) {
	st := newFakeStore()
	vcs := &fakeVCS{base: "main", mergeOut: MergeOutcome{Conflicted: true}}
	m := New(st, nil, nil, nil, nil, vcs, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})

	result, err := m.MergeTaskBranch(context.Background(), task.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Conflicted)
	assert.Equal(t, "merge conflicts", result.Error)
}

func TestMergeTaskBranchSucceeds(t *testing.T) {
	st := newFakeStore()
	vcs := &fakeVCS{base: "main", mergeOut: MergeOutcome{Success: true, ChangedFiles: []string{"a.go", "b.go"}}}
	m := New(st, nil, nil, nil, nil, vcs, baseCfg(), nil)
	task, _ := m.CreateTask(context.Background(), CreateTaskRequest{Description: "go"})

	result, err := m.MergeTaskBranch(context.Background(), task.ID, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"a.go", "b.go"}, result.ChangedFiles)
}

func TestShouldPreserveOnFailureTaskOverrideWins(t *testing.T) {
	m := New(newFakeStore(), nil, nil, nil, nil, nil, baseCfg(), nil)
	yes := true
	task := &apextask.Task{Workspace: apextask.WorkspaceConfig{PreserveOnFailure: &yes}}
	assert.True(t, m.shouldPreserveOnFailure(task))
}

func TestShouldPreserveOnFailureFallsBackToGitConfigForWorktree(t *testing.T) {
	cfg := baseCfg()
	cfg.Workspace.Strategy = "worktree"
	cfg.Git.Worktree.PreserveOnFailure = true
	m := New(newFakeStore(), nil, nil, nil, nil, nil, cfg, nil)
	task := &apextask.Task{}
	assert.True(t, m.shouldPreserveOnFailure(task))
}

func TestShouldPreserveOnFailureDefaultsFalseForContainerStrategy(t *testing.T) {
	cfg := baseCfg()
	cfg.Workspace.Strategy = "container"
	cfg.Git.Worktree.PreserveOnFailure = true
	m := New(newFakeStore(), nil, nil, nil, nil, nil, cfg, nil)
	task := &apextask.Task{}
	assert.False(t, m.shouldPreserveOnFailure(task))
}
