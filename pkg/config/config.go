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

package config

import (
	"fmt"
	"time"
)

// Config is the effective, already-decoded configuration for the apex
// daemon. It is produced by Loader.Load and never mutated afterwards;
// hot-reload replaces the pointer rather than the contents.
type Config struct {
	// ProjectPath is the root of the project the daemon operates on.
	// The store database lives at <ProjectPath>/.apex/apex.db unless
	// Database overrides it, and worktrees default to a sibling
	// directory of ProjectPath.
	ProjectPath string `yaml:"project_path"`

	Database DatabaseConfig `yaml:"database"`
	Logger   LoggerConfig   `yaml:"logger"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Usage    UsageConfig    `yaml:"usage"`
	Git      GitConfig      `yaml:"git"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Container ContainerConfig `yaml:"container"`
}

// DaemonConfig controls the runner's polling and concurrency behavior.
type DaemonConfig struct {
	// PollInterval is how often the runner checks for ready tasks.
	// Clamped to [1s, 60s] at startup regardless of configured value.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// MaxConcurrentTasks bounds in-progress tasks at any moment.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty"`

	// ShutdownDeadline bounds how long graceful shutdown waits for
	// active workers before forcibly cancelling them.
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline,omitempty"`

	// OrphanStalenessThreshold marks an in-progress task as orphaned
	// once its updatedAt is older than this, on startup.
	OrphanStalenessThreshold time.Duration `yaml:"orphan_staleness_threshold,omitempty"`

	// MaxRestartHistorySize bounds the health monitor's restart ring.
	MaxRestartHistorySize int `yaml:"max_restart_history_size,omitempty"`

	// LogFile is the daemon's append-only activity log
	// (<ProjectPath>/.apex/daemon.log by default).
	LogFile string `yaml:"log_file,omitempty"`

	// StatusAddr, if set, serves GET /healthz, GET /tasks and GET
	// /metrics over plain HTTP (e.g. "127.0.0.1:8089").
	StatusAddr string `yaml:"status_addr,omitempty"`
}

// SetDefaults applies default values to DaemonConfig.
func (c *DaemonConfig) SetDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 3
	}
	if c.ShutdownDeadline == 0 {
		c.ShutdownDeadline = 30 * time.Second
	}
	if c.OrphanStalenessThreshold == 0 {
		c.OrphanStalenessThreshold = time.Hour
	}
	if c.MaxRestartHistorySize == 0 {
		c.MaxRestartHistorySize = 50
	}
}

// Validate checks DaemonConfig.
func (c *DaemonConfig) Validate() error {
	if c.MaxConcurrentTasks < 0 {
		return fmt.Errorf("max_concurrent_tasks must be non-negative")
	}
	if c.MaxRestartHistorySize < 0 {
		return fmt.Errorf("max_restart_history_size must be non-negative")
	}
	return nil
}

// UsageConfig configures budget accounting and time-of-day scheduling.
type UsageConfig struct {
	// DailyBudgetUSD is the daily cost ceiling across all tasks.
	DailyBudgetUSD float64 `yaml:"daily_budget_usd,omitempty"`

	// MaxTokensPerTask and MaxCostPerTask bound a single task.
	MaxTokensPerTask int     `yaml:"max_tokens_per_task,omitempty"`
	MaxCostPerTask   float64 `yaml:"max_cost_per_task_usd,omitempty"`

	TimeBasedUsage TimeBasedUsageConfig `yaml:"time_based_usage,omitempty"`
}

// TimeBasedUsageConfig configures day/night capacity windows.
type TimeBasedUsageConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// DayHours/NightHours are [startHour, endHour) in local 24h time.
	// NightHours may wrap past midnight (e.g. [22, 6)).
	DayHours   [2]int `yaml:"day_hours,omitempty"`
	NightHours [2]int `yaml:"night_hours,omitempty"`

	DayThresholdPct   float64 `yaml:"day_threshold_pct,omitempty"`
	NightThresholdPct float64 `yaml:"night_threshold_pct,omitempty"`
}

// SetDefaults applies defaults to UsageConfig.
func (c *UsageConfig) SetDefaults() {
	if c.DailyBudgetUSD == 0 {
		c.DailyBudgetUSD = 100
	}
	if c.MaxTokensPerTask == 0 {
		c.MaxTokensPerTask = 500_000
	}
	if c.MaxCostPerTask == 0 {
		c.MaxCostPerTask = 10
	}
	if c.TimeBasedUsage.DayHours == [2]int{} {
		c.TimeBasedUsage.DayHours = [2]int{9, 17}
	}
	if c.TimeBasedUsage.NightHours == [2]int{} {
		c.TimeBasedUsage.NightHours = [2]int{22, 6}
	}
	if c.TimeBasedUsage.DayThresholdPct == 0 {
		c.TimeBasedUsage.DayThresholdPct = 0.9
	}
	if c.TimeBasedUsage.NightThresholdPct == 0 {
		c.TimeBasedUsage.NightThresholdPct = 0.96
	}
}

// Validate checks UsageConfig.
func (c *UsageConfig) Validate() error {
	if c.DailyBudgetUSD < 0 {
		return fmt.Errorf("daily_budget_usd must be non-negative")
	}
	for _, h := range [][2]int{c.TimeBasedUsage.DayHours, c.TimeBasedUsage.NightHours} {
		if h[0] < 0 || h[0] > 23 || h[1] < 0 || h[1] > 24 {
			return fmt.Errorf("time window hours must be within [0,24]")
		}
	}
	return nil
}

// GitConfig configures the external VCS/PR CLI integration.
type GitConfig struct {
	// Binary is the VCS CLI executable name (e.g. "git").
	Binary string `yaml:"binary,omitempty"`

	// PRBinary is the pull-request CLI executable name (e.g. "gh").
	PRBinary string `yaml:"pr_binary,omitempty"`

	// CommandTimeout bounds every VCS/PR subprocess invocation.
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`

	Worktree WorktreeConfig `yaml:"worktree,omitempty"`
}

// WorktreeConfig configures the worktree workspace provider.
type WorktreeConfig struct {
	// BaseDir overrides the default worktree location
	// (<ProjectPath>/../.apex-worktrees).
	BaseDir string `yaml:"base_dir,omitempty"`

	MaxActive          int  `yaml:"max_active,omitempty"`
	PruneStaleAfterDays int `yaml:"prune_stale_after_days,omitempty"`

	// PreserveOnFailure keeps a task's worktree around after a failed
	// run instead of cleaning it up, for post-mortem inspection.
	PreserveOnFailure bool `yaml:"preserve_on_failure,omitempty"`
}

// SetDefaults applies defaults to GitConfig.
func (c *GitConfig) SetDefaults() {
	if c.Binary == "" {
		c.Binary = "git"
	}
	if c.PRBinary == "" {
		c.PRBinary = "gh"
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Minute
	}
	if c.Worktree.MaxActive == 0 {
		c.Worktree.MaxActive = 8
	}
	if c.Worktree.PruneStaleAfterDays == 0 {
		c.Worktree.PruneStaleAfterDays = 7
	}
}

// Validate checks GitConfig.
func (c *GitConfig) Validate() error {
	if c.Worktree.MaxActive < 0 {
		return fmt.Errorf("git.worktree.max_active must be non-negative")
	}
	return nil
}

// WorkspaceConfig controls which provider the orchestrator uses and the
// global cleanup policy applied after a task finishes.
type WorkspaceConfig struct {
	// Strategy selects the isolation provider: "worktree" or "container".
	Strategy string `yaml:"strategy,omitempty"`

	// CleanupOnComplete removes the workspace after a task's terminal
	// state is reached, unless preservation is requested (§4.8).
	CleanupOnComplete bool `yaml:"cleanup_on_complete,omitempty"`
}

// SetDefaults applies defaults to WorkspaceConfig.
func (c *WorkspaceConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = "worktree"
	}
}

// Validate checks WorkspaceConfig.
func (c *WorkspaceConfig) Validate() error {
	switch c.Strategy {
	case "worktree", "container":
	default:
		return fmt.Errorf("workspace.strategy must be %q or %q, got %q", "worktree", "container", c.Strategy)
	}
	return nil
}

// ContainerConfig configures the container workspace provider defaults.
type ContainerConfig struct {
	Image          string            `yaml:"image,omitempty"`
	Binary         string            `yaml:"binary,omitempty"`
	MinVersion     string            `yaml:"min_version,omitempty"`
	MaxVersion     string            `yaml:"max_version,omitempty"`
	CommandTimeout time.Duration     `yaml:"command_timeout,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Labels         map[string]string `yaml:"labels,omitempty"`
}

// SetDefaults applies defaults to ContainerConfig.
func (c *ContainerConfig) SetDefaults() {
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Minute
	}
}

// SetDefaults applies defaults across the whole configuration tree.
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Logger.SetDefaults()
	c.Daemon.SetDefaults()
	c.Usage.SetDefaults()
	c.Git.SetDefaults()
	c.Workspace.SetDefaults()
	c.Container.SetDefaults()

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Database == "" && c.ProjectPath != "" {
		c.Database.Database = c.ProjectPath + "/.apex/apex.db"
	}
	if c.Daemon.LogFile == "" && c.ProjectPath != "" {
		c.Daemon.LogFile = c.ProjectPath + "/.apex/daemon.log"
	}
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if c.ProjectPath == "" {
		return fmt.Errorf("project_path is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Daemon.Validate(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := c.Usage.Validate(); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if err := c.Git.Validate(); err != nil {
		return fmt.Errorf("git: %w", err)
	}
	if err := c.Workspace.Validate(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	return nil
}
