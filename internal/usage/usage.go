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

// Package usage tracks per-task and daily aggregate token/cost usage
// against the configured budget, signaling when a task or the whole
// daemon has crossed a limit.
package usage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/pkg/config"
)

// LimitSignal names the kind of limit crossed by an update.
type LimitSignal string

const (
	// SignalNone means the update crossed no limit.
	SignalNone LimitSignal = ""
	// SignalTaskLimit means the task's own max tokens/cost was reached.
	SignalTaskLimit LimitSignal = "task_limit"
	// SignalBudget means the daily cost budget was reached.
	SignalBudget LimitSignal = "budget"
)

// DailyUsage aggregates usage for one calendar day (local time).
type DailyUsage struct {
	Day            string // YYYY-MM-DD, local time
	TotalTokens    int
	TotalCost      float64
	TasksCompleted int
	TasksFailed    int
}

// Manager tracks per-task cumulative usage and the running daily
// aggregate, resetting the aggregate at local midnight.
type Manager struct {
	mu sync.Mutex

	dailyBudgetUSD   float64
	maxTokensPerTask int
	maxCostPerTask   float64

	daily       DailyUsage
	perTask     map[string]apextask.Usage
	activeTasks map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
}

// New builds a Manager from the configured budget settings.
func New(cfg config.UsageConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dailyBudgetUSD:   cfg.DailyBudgetUSD,
		maxTokensPerTask: cfg.MaxTokensPerTask,
		maxCostPerTask:   cfg.MaxCostPerTask,
		perTask:          make(map[string]apextask.Usage),
		activeTasks:      make(map[string]struct{}),
		logger:           logger,
		now:              time.Now,
	}
	m.daily.Day = dayKey(m.now())
	return m
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// rolloverLocked resets the daily aggregate if the calendar day has
// changed since the last observation. Caller must hold m.mu.
func (m *Manager) rolloverLocked() {
	today := dayKey(m.now())
	if today != m.daily.Day {
		m.daily = DailyUsage{Day: today}
	}
}

// TaskStarted marks a task as active, for the active-task-count view.
func (m *Manager) TaskStarted(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeTasks[taskID] = struct{}{}
}

// TaskFinished marks a task as no longer active and rolls its result
// into the daily completed/failed counters.
func (m *Manager) TaskFinished(taskID string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	delete(m.activeTasks, taskID)
	if failed {
		m.daily.TasksFailed++
	} else {
		m.daily.TasksCompleted++
	}
}

// RecordUsage adds delta to taskID's cumulative usage and the daily
// aggregate, then re-evaluates limits. Returns the signal raised, if
// any; SignalTaskLimit takes priority over SignalBudget when both would
// fire on the same update.
func (m *Manager) RecordUsage(taskID string, delta apextask.Usage) LimitSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	cur := m.perTask[taskID]
	cur.Add(delta)
	m.perTask[taskID] = cur

	m.daily.TotalTokens += delta.TotalTokens
	m.daily.TotalCost += delta.EstimatedCost

	if m.maxCostPerTask > 0 && cur.EstimatedCost >= m.maxCostPerTask {
		m.logger.Warn("task cost limit reached", "task_id", taskID, "cost", cur.EstimatedCost, "limit", m.maxCostPerTask)
		return SignalTaskLimit
	}
	if m.maxTokensPerTask > 0 && cur.TotalTokens >= m.maxTokensPerTask {
		m.logger.Warn("task token limit reached", "task_id", taskID, "tokens", cur.TotalTokens, "limit", m.maxTokensPerTask)
		return SignalTaskLimit
	}
	if m.dailyBudgetUSD > 0 && m.daily.TotalCost >= m.dailyBudgetUSD {
		m.logger.Warn("daily budget reached", "cost", m.daily.TotalCost, "budget", m.dailyBudgetUSD)
		return SignalBudget
	}
	return SignalNone
}

// DailyUsage returns the current daily aggregate, rolling over to a
// fresh day first if local midnight has passed.
func (m *Manager) DailyUsage() DailyUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.daily
}

// ActiveTaskCount returns the number of tasks currently marked active.
func (m *Manager) ActiveTaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeTasks)
}

// DailyBudgetUSD returns the configured daily budget.
func (m *Manager) DailyBudgetUSD() float64 {
	return m.dailyBudgetUSD
}

// TaskUsage returns taskID's cumulative usage.
func (m *Manager) TaskUsage(taskID string) apextask.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perTask[taskID]
}

// Limits returns the per-task limit configuration.
func (m *Manager) Limits() (maxTokens int, maxCost float64) {
	return m.maxTokensPerTask, m.maxCostPerTask
}
