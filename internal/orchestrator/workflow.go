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
	"time"

	"github.com/kadirpekel/apex/internal/apextask"
)

// ExecutionStatus is the outcome of a single stage invocation, carried
// over in spirit from the teacher's workflow.ExecutionStatus, generalized
// from "LLM agent step" to "task workflow stage".
type ExecutionStatus string

const (
	StatusInitializing ExecutionStatus = "initializing"
	StatusPlanning      ExecutionStatus = "planning"
	StatusExecuting     ExecutionStatus = "executing"
	StatusCompleted     ExecutionStatus = "completed"
	StatusFailed        ExecutionStatus = "failed"
	StatusNeedsApproval ExecutionStatus = "needs_approval"
)

// Artifact is a stage-produced output, folded into apextask.Artifact by
// the caller once persisted.
type Artifact struct {
	Name     string
	Type     apextask.ArtifactType
	Path     string
	Content  string
	MimeType string
}

// AgentResult is what a single stage invocation reports back, carried
// over from the teacher's workflow.AgentResult and narrowed to what the
// orchestrator needs: accumulated usage, emitted logs/artifacts, and
// whether the stage wants human approval before the next one runs.
type AgentResult struct {
	Status        ExecutionStatus
	Output        string
	Usage         apextask.Usage
	Logs          []apextask.Log
	Artifacts     []Artifact
	NeedsApproval bool
	Duration      time.Duration
}

// Agent is the external agent black box the orchestrator drives one
// stage at a time. Its implementation (an LLM harness, a scripted tool
// pipeline, a human-in-the-loop proxy) is out of scope for this module;
// the orchestrator only needs the contract.
type Agent interface {
	ExecuteStage(ctx context.Context, task *apextask.Task, stage string, contextSummary string) (AgentResult, error)
}

// defaultStages is the stage sequence used when a task's Workflow name
// has no explicit registration. "planning" is always first: autonomy
// manual halts immediately after it, per spec §4.8.
var defaultStages = []string{"planning", "implementation", "testing", "review"}

func (m *Manager) stagesFor(workflow string) []string {
	if stages, ok := m.workflows[workflow]; ok {
		return stages
	}
	return defaultStages
}
