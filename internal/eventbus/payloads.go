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

package eventbus

import (
	"time"

	"github.com/kadirpekel/apex/internal/apextask"
)

// TaskEvent is the payload for the simple task:* lifecycle events.
type TaskEvent struct {
	Task *apextask.Task
}

// SessionResumedEvent is published once per task as it resumes, before
// the aggregate AutoResumedEvent.
type SessionResumedEvent struct {
	TaskID  string
	Reason  string
	Session apextask.SessionData
}

// AutoResumedEvent is published once per capacity-restored batch, after
// every per-task SessionResumedEvent in that batch.
type AutoResumedEvent struct {
	ResumedCount int
	Errors       []ResumeError
	Reason       string
	Timestamp    time.Time
}

// ResumeError records a single task's failure to resume within a batch.
type ResumeError struct {
	TaskID string
	Error  string
}

// IterateEvent is the payload for task:iterate.
type IterateEvent struct {
	TaskID       string
	IterationID  string
	Instructions string
	Context      string
	Timestamp    time.Time
}

// InteractionEvent is the payload for interaction:received and
// interaction:processed.
type InteractionEvent struct {
	TaskID    string
	Command   string
	Params    map[string]any
	Requester string
	Result    any
	Error     string
}

// WorktreeMergeCleanedEvent is the payload for worktree:merge-cleaned.
type WorktreeMergeCleanedEvent struct {
	TaskID string
	Path   string
	PRURL  string
}

// OrphanDetectedEvent is the payload for orphan:detected.
type OrphanDetectedEvent struct {
	Tasks              []*apextask.Task
	Reason             string
	StalenessThreshold time.Duration
	DetectedAt         time.Time
}

// OrphanRecoveredEvent is the payload for orphan:recovered, one per
// recovered task.
type OrphanRecoveredEvent struct {
	TaskID          string
	PreviousStatus  apextask.Status
	NewStatus       apextask.Status
	Action          string
	Message         string
	Timestamp       time.Time
}

// CapacityRestoredEvent is the payload for capacity-restored.
type CapacityRestoredEvent struct {
	Reason CapacityRestoredReason
}

// CapacityRestoredReason tags why capacity was restored.
type CapacityRestoredReason string

const (
	ReasonCapacityDropped CapacityRestoredReason = "capacity_dropped"
	ReasonBudgetReset     CapacityRestoredReason = "budget_reset"
	ReasonModeSwitch      CapacityRestoredReason = "mode_switch"
	ReasonManualOverride  CapacityRestoredReason = "manual_override"
)
