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

// Package capacity watches the Usage Manager's daily cost percentage
// against the active threshold and announces, via the event bus, when
// capacity that was previously exhausted becomes available again.
package capacity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/usage"
)

// Reason names why capacity was restored.
type Reason = eventbus.CapacityRestoredReason

const (
	ReasonCapacityDropped = eventbus.ReasonCapacityDropped
	ReasonBudgetReset     = eventbus.ReasonBudgetReset
	ReasonModeSwitch      = eventbus.ReasonModeSwitch
	ReasonManualOverride  = eventbus.ReasonManualOverride
)

// ThresholdFunc returns the currently active capacity threshold (e.g.
// day or night threshold from the daemon scheduler's time window).
type ThresholdFunc func(now time.Time) float64

// ModeFunc returns a label for the current time-of-day mode ("day",
// "night", "off-hours"); a mode change between observations triggers
// a mode_switch restoration.
type ModeFunc func(now time.Time) string

// Monitor observes Usage Manager state and emits capacity-restored
// events on the bus.
type Monitor struct {
	mu sync.Mutex

	usageMgr  *usage.Manager
	threshold ThresholdFunc
	mode      ModeFunc
	bus       *eventbus.Bus
	logger    *slog.Logger

	wasAboveThreshold bool
	lastDay           string
	lastMode          string
	now               func() time.Time
}

// New builds a Monitor. threshold and mode may be nil, in which case a
// fixed threshold of 1.0 and a constant "day" mode are assumed.
func New(usageMgr *usage.Manager, threshold ThresholdFunc, mode ModeFunc, bus *eventbus.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold == nil {
		threshold = func(time.Time) float64 { return 1.0 }
	}
	if mode == nil {
		mode = func(time.Time) string { return "day" }
	}
	now := time.Now
	m := &Monitor{
		usageMgr:  usageMgr,
		threshold: threshold,
		mode:      mode,
		bus:       bus,
		logger:    logger,
		now:       now,
		lastDay:   dayKey(now()),
		lastMode:  mode(now()),
	}
	return m
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Percentage returns dailyCost / dailyBudget, or 0 if the budget is 0.
func (m *Monitor) Percentage() float64 {
	budget := m.usageMgr.DailyBudgetUSD()
	if budget <= 0 {
		return 0
	}
	return m.usageMgr.DailyUsage().TotalCost / budget
}

// Observe checks the current capacity state and emits a
// CapacityRestoredEvent if a restoring transition occurred. Intended to
// be called on a regular poll tick by the daemon runner.
func (m *Monitor) Observe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	pct := m.Percentage()
	threshold := m.threshold(now)
	aboveNow := pct >= threshold

	today := dayKey(now)
	if today != m.lastDay {
		m.lastDay = today
		m.wasAboveThreshold = false
		m.emit(ReasonBudgetReset)
		return
	}

	curMode := m.mode(now)
	if curMode != m.lastMode {
		m.lastMode = curMode
		m.emit(ReasonModeSwitch)
		return
	}

	if m.wasAboveThreshold && !aboveNow {
		m.emit(ReasonCapacityDropped)
	}
	m.wasAboveThreshold = aboveNow
}

// ManualOverride lets an operator force a capacity-restored signal
// regardless of observed state.
func (m *Monitor) ManualOverride() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wasAboveThreshold = false
	m.emit(ReasonManualOverride)
}

func (m *Monitor) emit(reason Reason) {
	m.logger.Info("capacity restored", "reason", reason)
	if m.bus != nil {
		m.bus.Publish(eventbus.CapacityRestored, eventbus.CapacityRestoredEvent{Reason: reason})
	}
}
