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

// Package orchestrator is the lifecycle engine: it creates tasks, drives
// them stage by stage through the external agent black box, checkpoints
// progress, pauses/resumes them, and reconciles their workspace and pull
// request with the external VCS. The checkpoint/resume idiom is grounded
// on the teacher's v2/checkpoint.RecoveryManager; mid-flight interaction
// is handled by the sibling internal/interaction package.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/store"
	"github.com/kadirpekel/apex/internal/usage"
	"github.com/kadirpekel/apex/internal/workspace"
	"github.com/kadirpekel/apex/pkg/config"
)

// Store is the subset of the store package's API the orchestrator
// depends on.
type Store interface {
	CreateTask(ctx context.Context, t *apextask.Task) error
	GetTask(ctx context.Context, id string) (*apextask.Task, error)
	UpdateTask(ctx context.Context, id string, patch store.UpdateTaskPatch) error
	AddLog(ctx context.Context, l apextask.Log) error
	AddArtifact(ctx context.Context, a apextask.Artifact) error
	SaveCheckpoint(ctx context.Context, ck apextask.Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, taskID string) (*apextask.Checkpoint, error)
	SetGate(ctx context.Context, g apextask.Gate) error
}

// CreateTaskRequest is the input to CreateTask.
type CreateTaskRequest struct {
	ProjectPath        string
	Workflow           string
	Description        string
	AcceptanceCriteria string
	Autonomy           apextask.Autonomy
	Priority           apextask.Priority
	Effort             string
	ParentID           string
	DependsOn          []string
	SubtaskStrategy    apextask.SubtaskStrategy
	Workspace          apextask.WorkspaceConfig
	MaxRetries         int
}

// VCSClient is the subset of *VCS the orchestrator depends on, narrowed
// to an interface so tests can substitute a deterministic fake instead
// of shelling out to a real git/gh.
type VCSClient interface {
	Available(ctx context.Context) bool
	PRState(ctx context.Context, repoDir, prNumber string) (string, error)
	DefaultBranch(ctx context.Context, repoDir string) (string, error)
	Merge(ctx context.Context, repoDir, branch, base string, squash bool) (MergeOutcome, error)
}

// MergeResult is the outcome of MergeTaskBranch.
type MergeResult struct {
	Success      bool
	ChangedFiles []string
	Error        string
	Conflicted   bool
}

// Manager implements the Orchestrator contract (spec §4.8).
type Manager struct {
	store     Store
	workspace workspace.Provider
	usageMgr  *usage.Manager
	bus       *eventbus.Bus
	agent     Agent
	vcs       VCSClient
	cfg       config.Config
	logger    *slog.Logger

	workflows map[string][]string
	now       func() time.Time
}

// New builds a Manager. workspaceProvider and agent may be nil in tests
// that only exercise operations not touching them.
func New(st Store, workspaceProvider workspace.Provider, usageMgr *usage.Manager, bus *eventbus.Bus, agent Agent, vcs VCSClient, cfg config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		workspace: workspaceProvider,
		usageMgr:  usageMgr,
		bus:       bus,
		agent:     agent,
		vcs:       vcs,
		cfg:       cfg,
		logger:    logger,
		workflows: map[string][]string{},
		now:       time.Now,
	}
}

// RegisterWorkflow associates a stage sequence with a workflow name, for
// workflows other than the default.
func (m *Manager) RegisterWorkflow(name string, stages []string) {
	m.workflows[name] = stages
}

func (m *Manager) nextTaskID() string {
	return "task-" + uuid.NewString()
}

func (m *Manager) publish(name eventbus.Name, payload any) {
	if m.bus != nil {
		m.bus.Publish(name, payload)
	}
}

// CreateTask validates req, generates an id, persists the task, and
// emits task:created.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest) (*apextask.Task, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, apexerr.New(apexerr.KindValidation, "CreateTask", "description is required")
	}
	autonomy := req.Autonomy
	if autonomy == "" {
		autonomy = apextask.AutonomyFull
	}
	priority := req.Priority
	if priority == "" {
		priority = apextask.PriorityNormal
	}

	now := m.now()
	task := &apextask.Task{
		ID:                 m.nextTaskID(),
		ProjectPath:        req.ProjectPath,
		Workflow:           req.Workflow,
		ParentID:           req.ParentID,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Autonomy:           autonomy,
		Priority:           priority,
		Effort:             req.Effort,
		Status:             apextask.StatusPending,
		DependsOn:          req.DependsOn,
		SubtaskStrategy:    req.SubtaskStrategy,
		Workspace:          req.Workspace,
		MaxRetries:         req.MaxRetries,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	task.RecomputeBlockedBy(func(string) (apextask.Status, bool) { return "", false })
	if len(req.DependsOn) == 0 {
		task.BlockedBy = nil
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	m.publish(eventbus.TaskCreated, eventbus.TaskEvent{Task: task})
	return task, nil
}

// ExecuteTask transitions a pending task to in-progress and drives it
// through its workflow stages, resuming from the latest checkpoint's
// stage index if one already exists (idempotent restart).
func (m *Manager) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := m.mustGetTask(ctx, "ExecuteTask", taskID)
	if err != nil {
		return err
	}
	if task.Status != apextask.StatusPending {
		return apexerr.New(apexerr.KindValidation, "ExecuteTask",
			fmt.Sprintf("task %s is not pending (status=%s)", taskID, task.Status))
	}

	startIndex := 0
	if ck, _ := m.store.GetLatestCheckpoint(ctx, taskID); ck != nil {
		startIndex = ck.StageIndex
	}

	inProgress := apextask.StatusInProgress
	if err := m.store.UpdateTask(ctx, taskID, store.UpdateTaskPatch{Status: &inProgress}); err != nil {
		return err
	}
	task.Status = apextask.StatusInProgress
	if m.usageMgr != nil {
		m.usageMgr.TaskStarted(taskID)
	}
	m.publish(eventbus.TaskStarted, eventbus.TaskEvent{Task: task})

	return m.runStages(ctx, task, startIndex, "")
}

// ResumePausedTask reconstitutes a context summary from the latest
// checkpoint's stage, id and metadata summary (the stored conversation
// state is not read), emits task:resumed and task:session-resumed, and
// re-enters the stage loop at the recorded stage index. userInput, when
// non-empty, is folded into the reconstituted context the same way the
// teacher's checkpoint.ResumeTask folds manual input into AgentState.
func (m *Manager) ResumePausedTask(ctx context.Context, taskID, userInput string) error {
	task, err := m.mustGetTask(ctx, "ResumePausedTask", taskID)
	if err != nil {
		return err
	}
	if task.Status != apextask.StatusPaused {
		return apexerr.Wrap(apexerr.KindValidation, "ResumePausedTask",
			fmt.Sprintf("task %s is not paused (status=%s)", taskID, task.Status), apexerr.ErrNotResumable)
	}

	ck, _ := m.store.GetLatestCheckpoint(ctx, taskID)
	startIndex := 0
	if ck != nil {
		startIndex = ck.StageIndex
	}
	summary := buildContextSummary(ck, task, userInput)

	resumeAttempts := task.ResumeAttempts + 1
	inProgress := apextask.StatusInProgress
	reason := string(task.PauseReason)
	if err := m.store.UpdateTask(ctx, taskID, store.UpdateTaskPatch{
		Status:           &inProgress,
		ResumeAttempts:   &resumeAttempts,
		ClearPausedAt:    true,
		ClearResumeAfter: true,
	}); err != nil {
		return err
	}
	task.Status = apextask.StatusInProgress
	task.ResumeAttempts = resumeAttempts
	task.Session.ContextSummary = summary
	task.Session.LastCheckpointAt = m.now()

	if m.usageMgr != nil {
		m.usageMgr.TaskStarted(taskID)
	}
	m.publish(eventbus.TaskResumed, eventbus.TaskEvent{Task: task})
	m.publish(eventbus.TaskSessionResumed, eventbus.SessionResumedEvent{
		TaskID: taskID, Reason: reason, Session: task.Session,
	})

	return m.runStages(ctx, task, startIndex, summary)
}

// buildContextSummary reconstitutes a short textual summary of where a
// task left off, from the checkpoint's metadata and any supplied manual
// input. Never fails; an absent checkpoint just yields an empty summary.
func buildContextSummary(ck *apextask.Checkpoint, task *apextask.Task, userInput string) string {
	var b strings.Builder
	if ck != nil {
		fmt.Fprintf(&b, "resuming at stage %q (checkpoint %s)", ck.Stage, ck.CheckpointID)
		if note, ok := ck.Metadata["summary"].(string); ok && note != "" {
			fmt.Fprintf(&b, ": %s", note)
		}
	} else {
		fmt.Fprintf(&b, "resuming task %s with no prior checkpoint", task.ID)
	}
	if userInput != "" {
		fmt.Fprintf(&b, "; user input: %s", userInput)
	}
	return b.String()
}

// runStages drives task through its workflow stages starting at
// startIndex, checkpointing at each boundary and halting for approval
// per the task's autonomy.
func (m *Manager) runStages(ctx context.Context, task *apextask.Task, startIndex int, contextSummary string) error {
	stages := m.stagesFor(task.Workflow)

	for i := startIndex; i < len(stages); i++ {
		stage := stages[i]
		task.CurrentStage = stage
		if err := m.store.UpdateTask(ctx, task.ID, store.UpdateTaskPatch{CurrentStage: &stage}); err != nil {
			return err
		}

		result, err := m.agent.ExecuteStage(ctx, task, stage, contextSummary)
		if err != nil {
			return m.failTask(ctx, task, err)
		}

		for _, l := range result.Logs {
			l.TaskID = task.ID
			_ = m.store.AddLog(ctx, l)
		}
		for _, a := range result.Artifacts {
			_ = m.store.AddArtifact(ctx, apextask.Artifact{
				TaskID: task.ID, Name: a.Name, Type: a.Type, Path: a.Path, Content: a.Content,
			})
		}

		task.Usage.Add(result.Usage)
		if err := m.store.UpdateTask(ctx, task.ID, store.UpdateTaskPatch{Usage: &task.Usage}); err != nil {
			return err
		}

		ck := apextask.Checkpoint{
			TaskID:       task.ID,
			CheckpointID: fmt.Sprintf("%s-%d", stage, i),
			Stage:        stage,
			StageIndex:   i + 1,
			Metadata:     map[string]any{"summary": result.Output},
			CreatedAt:    m.now(),
		}
		if err := m.store.SaveCheckpoint(ctx, ck); err != nil {
			return err
		}

		if m.usageMgr != nil {
			if signal := m.usageMgr.RecordUsage(task.ID, result.Usage); signal != usage.SignalNone {
				return m.pauseTask(ctx, task, reasonForSignal(signal))
			}
		}

		if task.Autonomy == apextask.AutonomyManual && i == 0 {
			return m.pauseTask(ctx, task, apextask.PauseManual)
		}
		if task.Autonomy == apextask.AutonomySupervised || result.NeedsApproval {
			if err := m.openGate(ctx, task, stage); err != nil {
				return err
			}
			return m.pauseTask(ctx, task, apextask.PauseManual)
		}

		contextSummary = result.Output
	}

	return m.completeTask(ctx, task)
}

func (m *Manager) openGate(ctx context.Context, task *apextask.Task, stage string) error {
	return m.store.SetGate(ctx, apextask.Gate{
		TaskID:     task.ID,
		Name:       "stage:" + stage,
		Status:     apextask.GatePending,
		RequiredAt: m.now(),
	})
}

func reasonForSignal(s usage.LimitSignal) apextask.PauseReason {
	if s == usage.SignalBudget {
		return apextask.PauseBudget
	}
	return apextask.PauseUsageLimit
}

func (m *Manager) pauseTask(ctx context.Context, task *apextask.Task, reason apextask.PauseReason) error {
	now := m.now()
	paused := apextask.StatusPaused
	if err := m.store.UpdateTask(ctx, task.ID, store.UpdateTaskPatch{
		Status:      &paused,
		PausedAt:    &now,
		PauseReason: &reason,
	}); err != nil {
		return err
	}
	task.Status = apextask.StatusPaused
	task.PausedAt = &now
	task.PauseReason = reason
	if m.usageMgr != nil {
		m.usageMgr.TaskFinished(task.ID, false)
	}
	m.publish(eventbus.TaskPaused, eventbus.TaskEvent{Task: task})
	return nil
}

func (m *Manager) completeTask(ctx context.Context, task *apextask.Task) error {
	now := m.now()
	completed := apextask.StatusCompleted
	if err := m.store.UpdateTask(ctx, task.ID, store.UpdateTaskPatch{
		Status:      &completed,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	task.Status = apextask.StatusCompleted
	task.CompletedAt = &now
	if m.usageMgr != nil {
		m.usageMgr.TaskFinished(task.ID, false)
	}
	m.publish(eventbus.TaskCompleted, eventbus.TaskEvent{Task: task})
	return nil
}

// failTask handles an agent-stage error. If task.RetryCount is still
// below task.MaxRetries, it increments RetryCount, re-queues the task
// to pending (same id, logs preserved) and emits task:retried. Only
// once retries are exhausted does it go terminal: status failed,
// task:failed emitted, and — unless shouldPreserveOnFailure says
// otherwise — its workspace cleaned up. Cleanup errors are logged,
// never re-thrown; the original stage error is always what's returned.
func (m *Manager) failTask(ctx context.Context, task *apextask.Task, cause error) error {
	now := m.now()
	msg := cause.Error()
	retryCount := task.RetryCount + 1

	if retryCount <= task.MaxRetries {
		pending := apextask.StatusPending
		if err := m.store.UpdateTask(ctx, task.ID, store.UpdateTaskPatch{
			Status:     &pending,
			RetryCount: &retryCount,
			Error:      &msg,
		}); err != nil {
			return cause
		}
		task.Status = apextask.StatusPending
		task.RetryCount = retryCount
		task.Error = msg
		_ = m.store.AddLog(ctx, apextask.Log{
			TaskID: task.ID, Level: apextask.LogError, Stage: task.CurrentStage,
			Message: fmt.Sprintf("stage %q failed, re-queued (retry %d/%d): %v", task.CurrentStage, retryCount, task.MaxRetries, cause),
		})
		if m.usageMgr != nil {
			m.usageMgr.TaskFinished(task.ID, false)
		}
		m.publish(eventbus.TaskRetried, eventbus.TaskEvent{Task: task})
		return cause
	}

	failed := apextask.StatusFailed
	_ = m.store.UpdateTask(ctx, task.ID, store.UpdateTaskPatch{
		Status:      &failed,
		CompletedAt: &now,
		Error:       &msg,
		RetryCount:  &retryCount,
	})
	task.Status = apextask.StatusFailed
	task.CompletedAt = &now
	task.Error = msg
	task.RetryCount = retryCount
	if m.usageMgr != nil {
		m.usageMgr.TaskFinished(task.ID, true)
	}
	m.publish(eventbus.TaskFailed, eventbus.TaskEvent{Task: task})

	if !m.shouldPreserveOnFailure(task) && m.cfg.Workspace.CleanupOnComplete && m.workspace != nil {
		if _, err := m.workspace.Delete(ctx, task.ID); err != nil {
			m.logger.Warn("workspace cleanup after task failure failed", "task_id", task.ID, "error", err)
			_ = m.store.AddLog(ctx, apextask.Log{
				TaskID: task.ID, Level: apextask.LogError, Stage: task.CurrentStage,
				Message: fmt.Sprintf("workspace cleanup failed: %v", err),
			})
		}
	}
	return cause
}

// shouldPreserveOnFailure decides whether a failed task's workspace
// should be left in place for post-mortem inspection. Task-level
// override wins; otherwise, for the worktree strategy only, the global
// git.worktree.preserveOnFailure flag applies; otherwise false (see
// DESIGN.md Open Question #3).
func (m *Manager) shouldPreserveOnFailure(task *apextask.Task) bool {
	if task.Workspace.PreserveOnFailure != nil {
		return *task.Workspace.PreserveOnFailure
	}
	if m.cfg.Workspace.Strategy == "worktree" {
		return m.cfg.Git.Worktree.PreserveOnFailure
	}
	return false
}

// TrashTask soft-deletes a task: status becomes cancelled and trashedAt
// is set. Emits task:trashed.
func (m *Manager) TrashTask(ctx context.Context, taskID string) error {
	task, err := m.mustGetTask(ctx, "TrashTask", taskID)
	if err != nil {
		return err
	}
	now := m.now()
	cancelled := apextask.StatusCancelled
	if err := m.store.UpdateTask(ctx, taskID, store.UpdateTaskPatch{
		Status:    &cancelled,
		TrashedAt: &now,
	}); err != nil {
		return err
	}
	task.Status = apextask.StatusCancelled
	task.TrashedAt = &now
	m.publish(eventbus.TaskTrashed, eventbus.TaskEvent{Task: task})
	return nil
}

// CheckPRMerged reports whether taskID's pull request has merged. It
// never errors: every failure mode (no VCS CLI, no/unparsable PR URL,
// auth/not-found errors) degrades to false with a warn/error log.
func (m *Manager) CheckPRMerged(ctx context.Context, taskID string) bool {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		m.logger.Warn("checkPRMerged: task not found", "task_id", taskID)
		return false
	}
	if m.vcs == nil || !m.vcs.Available(ctx) {
		m.logger.Warn("checkPRMerged: VCS CLI unavailable", "task_id", taskID)
		return false
	}
	if task.PullRequestURL == "" {
		m.logger.Warn("checkPRMerged: task has no PR URL", "task_id", taskID)
		return false
	}
	num, err := prNumberFromURL(task.PullRequestURL)
	if err != nil {
		m.logger.Warn("checkPRMerged: unparsable PR URL", "task_id", taskID, "url", task.PullRequestURL)
		return false
	}

	repoDir := ""
	if info, _ := m.safeWorkspaceGet(ctx, taskID); info != nil {
		repoDir = info.Path
	}
	state, err := m.vcs.PRState(ctx, repoDir, num)
	if err != nil {
		m.logger.Error("checkPRMerged: PR state query failed", "task_id", taskID, "error", err)
		return false
	}
	return strings.TrimSpace(state) == "MERGED"
}

func (m *Manager) safeWorkspaceGet(ctx context.Context, taskID string) (*workspace.Info, error) {
	if m.workspace == nil {
		return nil, nil
	}
	return m.workspace.Get(ctx, taskID)
}

// CleanupMergedWorktree removes taskID's worktree once its PR has
// merged. Requires worktree-strategy workspace management. An empty
// taskID is a validation error; every other precondition miss returns
// false with a log and no error.
func (m *Manager) CleanupMergedWorktree(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, apexerr.New(apexerr.KindValidation, "CleanupMergedWorktree", "taskID is required")
	}
	if m.cfg.Workspace.Strategy != "worktree" || m.workspace == nil {
		m.logger.Warn("cleanupMergedWorktree: worktree management not enabled")
		return false, nil
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		m.logger.Warn("cleanupMergedWorktree: task not found", "task_id", taskID)
		return false, nil
	}

	if !m.CheckPRMerged(ctx, taskID) {
		m.logger.Info("cleanupMergedWorktree: PR not merged yet", "task_id", taskID)
		return false, nil
	}

	info, err := m.workspace.Get(ctx, taskID)
	if err != nil || info == nil {
		m.logger.Warn("cleanupMergedWorktree: worktree info not found", "task_id", taskID)
		return false, nil
	}

	ok, err := m.workspace.Delete(ctx, taskID)
	if err != nil || !ok {
		m.logger.Error("cleanupMergedWorktree: delete failed", "task_id", taskID, "error", err)
		return false, nil
	}

	prURL := task.PullRequestURL
	if prURL == "" {
		prURL = "unknown"
	}
	m.publish(eventbus.WorktreeMergeCleaned, eventbus.WorktreeMergeCleanedEvent{
		TaskID: taskID, Path: info.Path, PRURL: prURL,
	})
	m.logger.Info("cleanupMergedWorktree: removed merged worktree", "task_id", taskID, "path", info.Path)
	return true, nil
}

// MergeTaskBranch merges taskID's branch onto the project default
// branch (probe order main, master, else a newly-created main). On
// conflict it attempts an abort and always reports a clean failure
// regardless of the abort's own outcome.
func (m *Manager) MergeTaskBranch(ctx context.Context, taskID string, squash bool) (MergeResult, error) {
	task, err := m.mustGetTask(ctx, "MergeTaskBranch", taskID)
	if err != nil {
		return MergeResult{}, err
	}
	if m.vcs == nil {
		return MergeResult{}, apexerr.New(apexerr.KindPersistentExternal, "MergeTaskBranch", "no VCS configured")
	}

	repoDir := task.ProjectPath
	if info, _ := m.safeWorkspaceGet(ctx, taskID); info != nil {
		repoDir = info.Path
	}

	base, err := m.vcs.DefaultBranch(ctx, repoDir)
	if err != nil {
		return MergeResult{}, apexerr.Wrap(apexerr.KindTransient, "MergeTaskBranch", "resolve default branch", err)
	}

	outcome, err := m.vcs.Merge(ctx, repoDir, task.BranchName, base, squash)
	if err != nil {
		return MergeResult{}, apexerr.Wrap(apexerr.KindTransient, "MergeTaskBranch", "merge", err)
	}
	if outcome.Conflicted {
		m.logger.Warn("mergeTaskBranch: merge conflicts", "task_id", taskID, "branch", task.BranchName, "base", base)
		return MergeResult{Success: false, Conflicted: true, Error: "merge conflicts"}, nil
	}
	return MergeResult{Success: true, ChangedFiles: outcome.ChangedFiles}, nil
}

func (m *Manager) mustGetTask(ctx context.Context, op, taskID string) (*apextask.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, op, "load task", err)
	}
	if task == nil {
		return nil, apexerr.Wrap(apexerr.KindValidation, op, "task not found", apexerr.ErrTaskNotFound)
	}
	return task, nil
}
