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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/apex/pkg/config"
)

// VCS shells out to the project's git and PR-review CLIs (git/gh by
// default), the same way workspace.WorktreeProvider shells out to git:
// no client library linked, the external tool's contract is what
// matters.
type VCS struct {
	gitBinary string
	prBinary  string
	timeout   time.Duration
}

// NewVCS builds a VCS from GitConfig.
func NewVCS(cfg config.GitConfig) *VCS {
	return &VCS{gitBinary: cfg.Binary, prBinary: cfg.PRBinary, timeout: cfg.CommandTimeout}
}

// Available reports whether the PR-review CLI is present on PATH.
func (v *VCS) Available(ctx context.Context) bool {
	_, err := v.run(ctx, "", v.prBinary, "--version")
	return err == nil
}

// PRState returns the PR-review CLI's reported state string (e.g.
// "MERGED", "OPEN", "CLOSED") for the given PR number.
func (v *VCS) PRState(ctx context.Context, repoDir, prNumber string) (string, error) {
	out, err := v.run(ctx, repoDir, v.prBinary, "pr", "view", prNumber, "--json", "state", "-q", ".state")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DefaultBranch probes for main, then master, creating main if neither
// exists.
func (v *VCS) DefaultBranch(ctx context.Context, repoDir string) (string, error) {
	for _, candidate := range []string{"main", "master"} {
		if _, err := v.run(ctx, repoDir, v.gitBinary, "show-ref", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := v.run(ctx, repoDir, v.gitBinary, "branch", "main"); err != nil {
		return "", fmt.Errorf("create default branch main: %w", err)
	}
	return "main", nil
}

// MergeOutcome is the result of attempting to merge a branch.
type MergeOutcome struct {
	Success      bool
	Conflicted   bool
	ChangedFiles []string
}

// Merge merges branch onto base in repoDir. On conflict it attempts
// `git merge --abort` (whose outcome is not itself surfaced — the caller
// reports the original conflict regardless).
func (v *VCS) Merge(ctx context.Context, repoDir, branch, base string, squash bool) (MergeOutcome, error) {
	if _, err := v.run(ctx, repoDir, v.gitBinary, "checkout", base); err != nil {
		return MergeOutcome{}, fmt.Errorf("checkout %s: %w", base, err)
	}

	args := []string{"merge"}
	if squash {
		args = append(args, "--squash")
	}
	args = append(args, branch)

	out, err := v.run(ctx, repoDir, v.gitBinary, args...)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
			_, _ = v.run(ctx, repoDir, v.gitBinary, "merge", "--abort")
			return MergeOutcome{Conflicted: true}, nil
		}
		return MergeOutcome{}, fmt.Errorf("merge %s onto %s: %w", branch, base, err)
	}

	files, _ := v.run(ctx, repoDir, v.gitBinary, "diff", "--name-only", base+".."+branch)
	return MergeOutcome{Success: true, ChangedFiles: splitNonEmpty(files, "\n")}, nil
}

func (v *VCS) run(ctx context.Context, dir, binary string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// prNumberFromURL extracts the trailing numeric PR id from a PR URL
// (e.g. ".../pull/42" -> "42"). Returns an error if no trailing digits
// are found.
func prNumberFromURL(url string) (string, error) {
	i := strings.LastIndex(url, "/")
	if i < 0 || i == len(url)-1 {
		return "", fmt.Errorf("unparsable PR URL: %q", url)
	}
	num := url[i+1:]
	for _, r := range num {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("unparsable PR URL: %q", url)
		}
	}
	return num, nil
}
