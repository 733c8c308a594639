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

package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/pkg/config"
)

// taskDirPrefix is the fixed basename prefix a worktree directory must
// carry for its taskId to be recoverable from the path alone.
const taskDirPrefix = "task-"

// WorktreeProvider manages per-task git worktrees by shelling out to the
// git CLI. It never links a git client library: the VCS is treated as an
// external collaborator whose CLI contract is the only thing that
// matters.
type WorktreeProvider struct {
	projectPath string
	worktreeDir string
	gitBinary   string
	cmdTimeout  time.Duration
	maxActive   int
	pruneAfter  time.Duration

	mu    sync.Mutex
	last  map[string]time.Time // taskID -> last-used timestamp, in-process only
}

// NewWorktreeProvider builds a provider rooted at cfg.ProjectPath, using
// cfg.Git for the CLI binary/timeout and cfg.Git.Worktree for layout and
// capacity settings.
func NewWorktreeProvider(cfg *config.Config) *WorktreeProvider {
	baseDir := cfg.Git.Worktree.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(filepath.Dir(cfg.ProjectPath), ".apex-worktrees")
	}
	maxActive := cfg.Git.Worktree.MaxActive
	if maxActive <= 0 {
		maxActive = 8
	}
	pruneDays := cfg.Git.Worktree.PruneStaleAfterDays
	if pruneDays <= 0 {
		pruneDays = 7
	}
	return &WorktreeProvider{
		projectPath: cfg.ProjectPath,
		worktreeDir: baseDir,
		gitBinary:   cfg.Git.Binary,
		cmdTimeout:  cfg.Git.CommandTimeout,
		maxActive:   maxActive,
		pruneAfter:  time.Duration(pruneDays) * 24 * time.Hour,
		last:        make(map[string]time.Time),
	}
}

func (p *WorktreeProvider) pathFor(taskID string) string {
	return filepath.Join(p.worktreeDir, taskDirPrefix+taskID)
}

// Create provisions a new worktree on a dedicated branch for taskID.
// Rejects creation if the number of active worktrees already meets the
// configured maximum.
func (p *WorktreeProvider) Create(ctx context.Context, taskID, branch string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, _ := p.find(ctx, taskID); existing != nil {
		return "", apexerr.Wrap(apexerr.KindConflict, "WorktreeProvider.Create",
			fmt.Sprintf("worktree for task %s already exists", taskID), apexerr.ErrAlreadyExists)
	}

	infos, err := p.list(ctx)
	if err != nil {
		return "", err
	}
	activeCount := 0
	for _, info := range infos {
		if info.Status == StatusActive {
			activeCount++
		}
	}
	if activeCount >= p.maxActive {
		return "", apexerr.New(apexerr.KindConflict, "WorktreeProvider.Create",
			fmt.Sprintf("active worktree count %d has reached the configured maximum %d", activeCount, p.maxActive))
	}

	if branch == "" {
		branch = branchName(taskID)
	}
	if err := os.MkdirAll(p.worktreeDir, 0o755); err != nil {
		return "", apexerr.Wrap(apexerr.KindTransient, "WorktreeProvider.Create", "create worktree base dir", err)
	}

	path := p.pathFor(taskID)
	if err := p.git(ctx, "worktree", "add", path, "-b", branch); err != nil {
		return "", apexerr.Wrap(apexerr.KindTransient, "WorktreeProvider.Create", "git worktree add", err)
	}

	p.last[taskID] = time.Now()
	return path, nil
}

// Get returns the worktree info for taskID, or nil if none exists.
func (p *WorktreeProvider) Get(ctx context.Context, taskID string) (*Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(ctx, taskID)
}

// SwitchTo marks taskID's worktree as most-recently-used and returns its
// path.
func (p *WorktreeProvider) SwitchTo(ctx context.Context, taskID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.find(ctx, taskID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", apexerr.New(apexerr.KindValidation, "WorktreeProvider.SwitchTo",
			fmt.Sprintf("no worktree for task %s", taskID))
	}
	p.last[taskID] = time.Now()
	return info.Path, nil
}

// Delete removes taskID's worktree, falling back to manual filesystem
// removal if the git CLI itself fails (e.g. a worktree whose directory
// was already deleted out of band).
func (p *WorktreeProvider) Delete(ctx context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.find(ctx, taskID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	gitErr := p.git(ctx, "worktree", "remove", "--force", info.Path)
	if gitErr != nil {
		if rmErr := os.RemoveAll(info.Path); rmErr != nil {
			return false, apexerr.Wrap(apexerr.KindTransient, "WorktreeProvider.Delete",
				"git worktree remove failed and manual cleanup failed", gitErr)
		}
		_ = p.git(ctx, "worktree", "prune")
	}
	delete(p.last, taskID)
	return true, nil
}

// List returns every known worktree, including the main one.
func (p *WorktreeProvider) List(ctx context.Context) ([]Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list(ctx)
}

// CleanupOrphaned removes worktrees in {stale, prunable} status. The
// main worktree is never a candidate.
func (p *WorktreeProvider) CleanupOrphaned(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	infos, err := p.list(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var cleaned []string
	for _, info := range infos {
		if info.IsMain {
			continue
		}
		if info.Status != StatusStale && info.Status != StatusPrunable {
			continue
		}
		if info.TaskID == "" {
			continue
		}
		if _, err := p.Delete(ctx, info.TaskID); err == nil {
			cleaned = append(cleaned, info.TaskID)
		}
	}
	return cleaned, nil
}

// find locates a single worktree by taskID. Caller must hold p.mu.
func (p *WorktreeProvider) find(ctx context.Context, taskID string) (*Info, error) {
	infos, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].TaskID == taskID {
			return &infos[i], nil
		}
	}
	return nil, nil
}

// list parses `git worktree list --porcelain` into Info records. Caller
// must hold p.mu.
func (p *WorktreeProvider) list(ctx context.Context) ([]Info, error) {
	out, err := p.gitOutput(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindTransient, "WorktreeProvider.list", "git worktree list", err)
	}

	var infos []Info
	var cur *Info
	flush := func() {
		if cur != nil {
			infos = append(infos, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Info{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.HeadCommit = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		}
	}
	flush()

	if len(infos) > 0 {
		infos[0].IsMain = true
	}
	now := time.Now()
	for i := range infos {
		taskID := taskIDFromPath(infos[i].Path)
		infos[i].TaskID = taskID
		if last, ok := p.last[taskID]; ok {
			infos[i].LastUsedAt = last
		}
		infos[i].Status = classify(infos[i], now, p.pruneAfter)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// classify derives a worktree's lifecycle status per the spec: active if
// its directory exists and, for task-tagged paths, its mtime is within
// the configured staleness window; otherwise stale; non-task paths with
// no accessible directory become prunable.
func classify(info Info, now time.Time, pruneAfter time.Duration) Status {
	if info.IsMain {
		return StatusActive
	}
	fi, err := os.Stat(info.Path)
	if err != nil {
		if info.TaskID == "" {
			return StatusPrunable
		}
		return StatusStale
	}
	if info.TaskID == "" {
		return StatusActive
	}
	if now.Sub(fi.ModTime()) <= pruneAfter {
		return StatusActive
	}
	return StatusStale
}

// taskIDFromPath extracts a taskId from a worktree path whose basename
// matches "task-<id>", or "" if it doesn't.
func taskIDFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, taskDirPrefix) {
		return ""
	}
	return strings.TrimPrefix(base, taskDirPrefix)
}

func branchName(taskID string) string {
	sanitized := strings.TrimSpace(taskID)
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	if sanitized == "" {
		sanitized = "task"
	}
	return "apex/" + sanitized
}

func (p *WorktreeProvider) git(ctx context.Context, args ...string) error {
	_, err := p.gitOutput(ctx, args...)
	return err
}

func (p *WorktreeProvider) gitOutput(ctx context.Context, args ...string) (string, error) {
	if p.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cmdTimeout)
		defer cancel()
	}
	bin := p.gitBinary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = p.projectPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timed out: %w", strings.Join(args, " "), ctx.Err())
		}
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return string(out), nil
}
