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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/orchestrator"
	"github.com/kadirpekel/apex/utils"
)

// ExecAgent is the default Agent: it shells out to a configured binary once
// per stage, the same way VCS and the workspace providers shell out to
// git/gh/docker rather than linking a client library. The real reasoning
// engine behind that binary is out of scope for this module (see
// orchestrator.Agent's doc comment); ExecAgent only defines the calling
// convention: `<binary> <taskID> <stage>`, context summary on stdin,
// captured stdout becomes the stage's Output.
type ExecAgent struct {
	Binary  string
	Timeout time.Duration
}

// NewExecAgent builds an ExecAgent. An empty binary makes every stage a
// no-op success, useful for exercising the daemon loop without wiring a
// real agent process.
func NewExecAgent(binary string, timeout time.Duration) *ExecAgent {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &ExecAgent{Binary: binary, Timeout: timeout}
}

// ExecuteStage implements orchestrator.Agent.
func (a *ExecAgent) ExecuteStage(ctx context.Context, task *apextask.Task, stage, contextSummary string) (orchestrator.AgentResult, error) {
	if a.Binary == "" {
		return orchestrator.AgentResult{
			Status: orchestrator.StatusCompleted,
			Output: fmt.Sprintf("stage %q completed with no agent configured", stage),
		}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.Binary, task.ID, stage)
	cmd.Stdin = strings.NewReader(contextSummary)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	if err != nil {
		return orchestrator.AgentResult{}, fmt.Errorf("agent stage %q: %w: %s", stage, err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())

	// The exec'd binary is not expected to report its own token usage
	// (it may be anything from a shell script to an opaque harness), so
	// usage is estimated from the text actually exchanged. This keeps
	// the Usage Manager's budget tracking meaningful even for agents
	// that never report real token counts.
	inputTokens := int64(utils.EstimateTokens(contextSummary))
	outputTokens := int64(utils.EstimateTokens(output))

	return orchestrator.AgentResult{
		Status:   orchestrator.StatusCompleted,
		Output:   output,
		Duration: duration,
		Usage: apextask.Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
	}, nil
}
