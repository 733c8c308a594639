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

package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/pkg/config"
)

func newManager(t *testing.T, cfg config.UsageConfig) *Manager {
	t.Helper()
	m := New(cfg, nil)
	return m
}

func TestRecordUsageAccumulatesPerTaskAndDaily(t *testing.T) {
	m := newManager(t, config.UsageConfig{DailyBudgetUSD: 100, MaxTokensPerTask: 10000, MaxCostPerTask: 50})

	sig := m.RecordUsage("t1", apextask.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, EstimatedCost: 1.5})
	assert.Equal(t, SignalNone, sig)

	got := m.TaskUsage("t1")
	assert.Equal(t, 150, got.TotalTokens)
	assert.Equal(t, 1.5, got.EstimatedCost)

	daily := m.DailyUsage()
	assert.Equal(t, 150, daily.TotalTokens)
	assert.InDelta(t, 1.5, daily.TotalCost, 0.0001)
}

func TestRecordUsageSignalsTaskCostLimit(t *testing.T) {
	m := newManager(t, config.UsageConfig{DailyBudgetUSD: 1000, MaxCostPerTask: 5})
	sig := m.RecordUsage("t1", apextask.Usage{EstimatedCost: 5})
	assert.Equal(t, SignalTaskLimit, sig)
}

func TestRecordUsageSignalsTaskTokenLimit(t *testing.T) {
	m := newManager(t, config.UsageConfig{DailyBudgetUSD: 1000, MaxTokensPerTask: 100})
	sig := m.RecordUsage("t1", apextask.Usage{InputTokens: 60, OutputTokens: 40, TotalTokens: 100})
	assert.Equal(t, SignalTaskLimit, sig)
}

func TestRecordUsageSignalsBudget(t *testing.T) {
	m := newManager(t, config.UsageConfig{DailyBudgetUSD: 10})
	sig := m.RecordUsage("t1", apextask.Usage{EstimatedCost: 10})
	assert.Equal(t, SignalBudget, sig)
}

func TestTaskLimitTakesPriorityOverBudget(t *testing.T) {
	m := newManager(t, config.UsageConfig{DailyBudgetUSD: 10, MaxCostPerTask: 10})
	sig := m.RecordUsage("t1", apextask.Usage{EstimatedCost: 10})
	assert.Equal(t, SignalTaskLimit, sig)
}

func TestActiveTaskCount(t *testing.T) {
	m := newManager(t, config.UsageConfig{})
	m.TaskStarted("a")
	m.TaskStarted("b")
	assert.Equal(t, 2, m.ActiveTaskCount())

	m.TaskFinished("a", false)
	assert.Equal(t, 1, m.ActiveTaskCount())

	daily := m.DailyUsage()
	assert.Equal(t, 1, daily.TasksCompleted)
}

func TestDailyUsageRollsOverAtMidnight(t *testing.T) {
	m := newManager(t, config.UsageConfig{DailyBudgetUSD: 100})
	base := time.Date(2026, 1, 1, 23, 59, 0, 0, time.Local)
	m.now = func() time.Time { return base }
	m.daily.Day = dayKey(base)

	sig := m.RecordUsage("t1", apextask.Usage{EstimatedCost: 20})
	require.Equal(t, SignalNone, sig)
	assert.InDelta(t, 20, m.DailyUsage().TotalCost, 0.0001)

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	daily := m.DailyUsage()
	assert.Equal(t, 0, daily.TotalTokens)
	assert.InDelta(t, 0, daily.TotalCost, 0.0001)
}
