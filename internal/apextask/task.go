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

// Package apextask defines the durable domain types shared by the store,
// orchestrator, and daemon runner: the Task state machine and its
// append-only bags (logs, artifacts, gates, checkpoints, iteration
// history).
package apextask

import "time"

// Status is the task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions,
// except that a paused task may still resume.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Autonomy controls how much human approval a task requires between
// workflow stages.
type Autonomy string

const (
	AutonomyFull       Autonomy = "full"
	AutonomySupervised Autonomy = "supervised"
	AutonomyManual     Autonomy = "manual"
)

// Priority orders dispatch within the ready queue.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns a lower-is-first ordinal for priority comparisons.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Less reports whether p should be dispatched before other.
func (p Priority) Less(other Priority) bool {
	return p.rank() < other.rank()
}

// PauseReason explains why a task is paused, and whether the daemon may
// resume it automatically once the underlying condition clears.
type PauseReason string

const (
	PauseUsageLimit     PauseReason = "usage_limit"
	PauseBudget         PauseReason = "budget"
	PauseCapacity       PauseReason = "capacity"
	PauseManual         PauseReason = "manual"
	PauseUserRequest    PauseReason = "user_request"
	PauseSystemShutdown PauseReason = "system_shutdown"
	PauseError          PauseReason = "error"
)

// IsAutoResumable reports whether the daemon may resume a task paused for
// this reason once capacity is restored, without operator action.
func (r PauseReason) IsAutoResumable() bool {
	switch r {
	case PauseUsageLimit, PauseBudget, PauseCapacity:
		return true
	}
	return false
}

// Usage is cumulative token/cost accounting for a task.
type Usage struct {
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	EstimatedCost float64
}

// Add folds delta into the running usage totals.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.EstimatedCost += delta.EstimatedCost
}

// SessionData carries the minimum needed to reconstitute conversational
// context after a pause/resume cycle.
type SessionData struct {
	LastCheckpointAt    time.Time
	ContextSummary      string
	ConversationHistRef string
}

// SubtaskStrategy controls how a task's subtasks are sequenced.
type SubtaskStrategy string

const (
	SubtaskSequential SubtaskStrategy = "sequential"
	SubtaskParallel   SubtaskStrategy = "parallel"
)

// WorkspaceConfig is the per-task override of workspace behavior; fields
// left at their zero value fall back to the global configuration.
type WorkspaceConfig struct {
	Strategy          string
	PreserveOnFailure *bool
}

// Task is the atomic unit of work the daemon schedules and executes.
type Task struct {
	ID          string
	ProjectPath string
	Workflow    string
	ParentID    string
	SubtaskIDs  []string

	Description        string
	AcceptanceCriteria string
	Autonomy           Autonomy
	Priority           Priority
	Effort             string

	Status        Status
	CurrentStage  string
	RetryCount    int
	MaxRetries    int
	ResumeAttempts int
	BranchName    string
	PullRequestURL string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time

	PausedAt    *time.Time
	ResumeAfter *time.Time
	PauseReason PauseReason

	Usage           Usage
	Workspace       WorkspaceConfig
	Session         SessionData

	DependsOn       []string
	BlockedBy       []string
	SubtaskStrategy SubtaskStrategy

	Error string

	TrashedAt *time.Time

	Logs            []Log
	Artifacts       []Artifact
	IterationHistory []IterationEntry
}

// RecomputeBlockedBy derives BlockedBy from DependsOn given a lookup of
// dependency statuses. A dependency blocks the task unless it is
// completed or cancelled.
func (t *Task) RecomputeBlockedBy(statusOf func(id string) (Status, bool)) {
	blocked := make([]string, 0, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		st, ok := statusOf(dep)
		if !ok {
			blocked = append(blocked, dep)
			continue
		}
		if st != StatusCompleted && st != StatusCancelled {
			blocked = append(blocked, dep)
		}
	}
	t.BlockedBy = blocked
}

// IsOrphan reports whether t is an in-progress task whose last update
// predates the given staleness threshold, indicating the worker that was
// running it did not survive.
func (t *Task) IsOrphan(now time.Time, stalenessThreshold time.Duration) bool {
	if t.Status != StatusInProgress {
		return false
	}
	return t.UpdatedAt.Before(now.Add(-stalenessThreshold))
}

// LogLevel is the severity of a Log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Log is an append-only entry in a task's activity trail.
type Log struct {
	TaskID    string
	Timestamp time.Time
	Level     LogLevel
	Stage     string
	Agent     string
	Message   string
	Metadata  map[string]any
}

// ArtifactType classifies an Artifact's payload.
type ArtifactType string

const (
	ArtifactFile ArtifactType = "file"
	ArtifactDiff ArtifactType = "diff"
	ArtifactData ArtifactType = "data"
)

// Artifact is an append-only output produced while executing a task.
type Artifact struct {
	TaskID    string
	Name      string
	Type      ArtifactType
	Path      string
	Content   string
	CreatedAt time.Time
}

// GateStatus is the resolution state of an approval Gate.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
)

// Gate is a named approval checkpoint tied to a task; unique per
// (TaskID, Name).
type Gate struct {
	TaskID      string
	Name        string
	Status      GateStatus
	RequiredAt  time.Time
	RespondedAt *time.Time
	Approver    string
	Comment     string
}

// Checkpoint captures enough state to resume a task at a stage boundary.
// Unique per (TaskID, CheckpointID); "latest" is the one with the
// greatest CreatedAt.
type Checkpoint struct {
	TaskID          string
	CheckpointID    string
	Stage           string
	StageIndex      int
	ConversationState []byte
	Metadata        map[string]any
	CreatedAt       time.Time
}

// Snapshot captures task state at a point in time, used to compute
// iteration diffs.
type Snapshot struct {
	Timestamp     time.Time
	Stage         string
	Status        Status
	FilesCreated  []string
	FilesModified []string
	Usage         Usage
	ArtifactCount int
}

// IterationEntry is one mid-flight refinement round, bracketed by a
// before and an after Snapshot.
type IterationEntry struct {
	ID             string
	TaskID         string
	Feedback       string
	Stage          string
	BeforeState    Snapshot
	AfterState     *Snapshot
	ModifiedFiles  []string
	DiffSummary    string
	CreatedAt      time.Time
}
