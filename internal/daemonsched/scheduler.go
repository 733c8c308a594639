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

// Package daemonsched decides, from the current time and the usage
// snapshot, whether new task dispatch should be paused — honoring the
// configured day/night capacity windows.
package daemonsched

import (
	"fmt"
	"time"

	"github.com/kadirpekel/apex/internal/usage"
	"github.com/kadirpekel/apex/pkg/config"
)

// Mode names a time-of-day window.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// TimeWindow describes the active window at a given instant.
type TimeWindow struct {
	Mode           Mode
	IsActive       bool
	StartHour      int
	EndHour        int
	NextTransition time.Time
}

// CapacityInfo is the daily-cost-percentage view for a time window.
type CapacityInfo struct {
	CurrentPercentage float64
	Threshold         float64
	ShouldPause       bool
	Reason            string
}

// PauseDecision is the result of shouldPauseTasks.
type PauseDecision struct {
	ShouldPause     bool
	Reason          string
	TimeWindow      TimeWindow
	Capacity        CapacityInfo
	NextResetTime   time.Time
	Recommendations []string
}

// Scheduler computes time-window and capacity-based pause decisions.
type Scheduler struct {
	cfg      config.TimeBasedUsageConfig
	usageMgr *usage.Manager
}

// New builds a Scheduler against the given time-based-usage config and
// Usage Manager.
func New(cfg config.TimeBasedUsageConfig, usageMgr *usage.Manager) *Scheduler {
	return &Scheduler{cfg: cfg, usageMgr: usageMgr}
}

// CurrentTimeWindow returns the active window at t. Day hours are
// checked before night hours; the first match wins. Empty/undefined
// hour lists fall back to the package defaults. When time-based usage
// is disabled, the window is always off-hours (inactive).
func (s *Scheduler) CurrentTimeWindow(t time.Time) TimeWindow {
	if !s.cfg.Enabled {
		return TimeWindow{Mode: ModeOffHours, IsActive: false, NextTransition: t}
	}

	day := s.cfg.DayHours
	if day == [2]int{} {
		day = [2]int{9, 17}
	}
	night := s.cfg.NightHours
	if night == [2]int{} {
		night = [2]int{22, 6}
	}

	hour := t.Hour()
	if inWindow(hour, day[0], day[1]) {
		return TimeWindow{Mode: ModeDay, IsActive: true, StartHour: day[0], EndHour: day[1], NextTransition: nextBoundary(t, day[1])}
	}
	if inWindow(hour, night[0], night[1]) {
		return TimeWindow{Mode: ModeNight, IsActive: true, StartHour: night[0], EndHour: night[1], NextTransition: nextBoundary(t, night[1])}
	}
	return TimeWindow{Mode: ModeOffHours, IsActive: false, StartHour: day[1], EndHour: night[0], NextTransition: nextBoundary(t, day[0])}
}

// inWindow reports whether hour falls in [start, end), handling windows
// that wrap past midnight (start > end).
func inWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// nextBoundary returns the next instant t's hour-of-day crosses
// targetHour, rolling to the following day if that hour has already
// passed today.
func nextBoundary(t time.Time, targetHour int) time.Time {
	candidate := time.Date(t.Year(), t.Month(), t.Day(), targetHour, 0, 0, 0, t.Location())
	if !candidate.After(t) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// CapacityInfo derives the capacity view for the given window and
// instant from the Usage Manager's current daily cost/budget.
func (s *Scheduler) CapacityInfo(window TimeWindow, t time.Time) CapacityInfo {
	budget := s.usageMgr.DailyBudgetUSD()
	var pct float64
	if budget > 0 {
		pct = s.usageMgr.DailyUsage().TotalCost / budget
	}

	threshold := s.cfg.DayThresholdPct
	if threshold == 0 {
		threshold = 0.9
	}
	switch window.Mode {
	case ModeNight:
		threshold = s.cfg.NightThresholdPct
		if threshold == 0 {
			threshold = 0.96
		}
	case ModeDay:
		threshold = s.cfg.DayThresholdPct
		if threshold == 0 {
			threshold = 0.9
		}
	}

	info := CapacityInfo{CurrentPercentage: pct, Threshold: threshold}
	if pct >= threshold {
		info.ShouldPause = true
		info.Reason = fmt.Sprintf("Capacity threshold exceeded (%.0f%%)", pct*100)
	}
	return info
}

// hoursUntilNightHint bounds how close "day mode ending soon" hints fire.
const hoursUntilNightHint = 2

// ShouldPauseTasks is the top-level pause decision for instant t.
func (s *Scheduler) ShouldPauseTasks(t time.Time) PauseDecision {
	window := s.CurrentTimeWindow(t)
	reset := NextResetTime(t)

	if !window.IsActive {
		return PauseDecision{
			ShouldPause:   true,
			Reason:        "Outside active time window",
			TimeWindow:    window,
			NextResetTime: reset,
			Recommendations: []string{
				"Wait for the next active time window or enable time-based usage",
			},
		}
	}

	capacity := s.CapacityInfo(window, t)
	if capacity.ShouldPause {
		recs := []string{"Consider increasing the daily budget"}
		if window.Mode == ModeDay {
			hoursToNight := hoursUntil(t, window.NextTransition)
			if hoursToNight <= hoursUntilNightHint {
				recs = append(recs,
					fmt.Sprintf("Night mode starts in %.1f hours", hoursToNight),
					"Tasks will resume with higher limits during night mode")
			}
		}
		return PauseDecision{
			ShouldPause:     true,
			Reason:          capacity.Reason,
			TimeWindow:      window,
			Capacity:        capacity,
			NextResetTime:   reset,
			Recommendations: recs,
		}
	}

	return PauseDecision{ShouldPause: false, TimeWindow: window, Capacity: capacity, NextResetTime: reset}
}

func hoursUntil(from, to time.Time) float64 {
	return to.Sub(from).Hours()
}

// NextResetTime returns the next local midnight after t, handling year
// boundaries and DST by calendar-date rollover rather than a fixed
// 86400-second offset.
func NextResetTime(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	next = next.AddDate(0, 0, 1)
	return next
}
