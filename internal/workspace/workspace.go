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

// Package workspace provides two interchangeable providers of isolated
// per-task execution environments: a git worktree provider and a
// container provider. Both shell out to an external CLI on PATH
// (git/gh, docker/podman) rather than linking a client library, mirroring
// how the daemon treats the VCS and container engine as external
// collaborators whose contracts, not internals, matter.
package workspace

import (
	"context"
	"time"
)

// Status classifies a workspace's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusStale    Status = "stale"
	StatusPrunable Status = "prunable"
)

// Info describes one provisioned workspace.
type Info struct {
	Path       string
	Branch     string
	HeadCommit string
	Status     Status
	TaskID     string
	IsMain     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Provider is the common interface implemented by the worktree and
// container providers.
type Provider interface {
	// Create provisions a new workspace for taskID. Idempotent per
	// taskID: calling it again for a task that already has a workspace
	// fails with apexerr.ErrAlreadyExists.
	Create(ctx context.Context, taskID string, branch string) (string, error)

	// Get returns the workspace info for taskID, or nil if none exists.
	Get(ctx context.Context, taskID string) (*Info, error)

	// SwitchTo marks taskID's workspace as the one last used and
	// returns its path.
	SwitchTo(ctx context.Context, taskID string) (string, error)

	// Delete removes taskID's workspace. Returns true if something was
	// removed, false if nothing was present. On engine failure it still
	// attempts manual filesystem cleanup before returning an error.
	Delete(ctx context.Context, taskID string) (bool, error)

	// List returns every known workspace.
	List(ctx context.Context) ([]Info, error)

	// CleanupOrphaned removes workspaces in {stale, prunable} status and
	// returns the task ids that were cleaned up. The main workspace is
	// never touched.
	CleanupOrphaned(ctx context.Context) ([]string, error)
}
