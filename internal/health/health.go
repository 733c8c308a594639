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

// Package health tracks process-wide uptime, health-check pass/fail
// counters, and a bounded restart history for the daemon.
package health

import (
	"runtime"
	"sync"
	"time"
)

// RestartRecord describes a single daemon restart.
type RestartRecord struct {
	Reason            string
	ExitCode          *int
	TriggeredByWatchdog bool
	Timestamp         time.Time
}

// TaskCounts is an optional snapshot of task-state counts supplied by
// the daemon for inclusion in a health report.
type TaskCounts struct {
	Pending    int
	InProgress int
	Paused     int
	Completed  int
	Failed     int
}

// Report is the point-in-time health summary.
type Report struct {
	Uptime            time.Duration
	MemoryUsageBytes  uint64
	TaskCounts        *TaskCounts
	LastHealthCheck    time.Time
	HealthChecksPassed int
	HealthChecksFailed int
	RestartHistory    []RestartRecord // most recent first
}

// Monitor is the process-wide health tracker. Construct once at daemon
// startup; Uptime is measured from construction time.
type Monitor struct {
	mu sync.Mutex

	startedAt time.Time
	passed    int
	failed    int
	lastCheck time.Time

	maxHistory int
	restarts   []RestartRecord // oldest first internally

	now func() time.Time
}

// New builds a Monitor with uptime measured from the call time.
// maxRestartHistorySize is the ring buffer's capacity; 0 retains no
// restart history at all, and negative values clamp to 0.
func New(maxRestartHistorySize int) *Monitor {
	if maxRestartHistorySize < 0 {
		maxRestartHistorySize = 0
	}
	now := time.Now
	return &Monitor{
		startedAt:  now(),
		maxHistory: maxRestartHistorySize,
		now:        now,
	}
}

// RecordHealthCheck records the outcome of a health check poll.
func (m *Monitor) RecordHealthCheck(passed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck = m.now()
	if passed {
		m.passed++
	} else {
		m.failed++
	}
}

// RecordRestart appends a restart record, trimming the oldest entry once
// the ring exceeds maxRestartHistorySize.
func (m *Monitor) RecordRestart(reason string, exitCode *int, byWatchdog bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = append(m.restarts, RestartRecord{
		Reason:              reason,
		ExitCode:            exitCode,
		TriggeredByWatchdog: byWatchdog,
		Timestamp:           m.now(),
	})
	if len(m.restarts) > m.maxHistory {
		m.restarts = m.restarts[len(m.restarts)-m.maxHistory:]
	}
}

// HasWatchdogRestarts is true iff any record in the current (post-trim)
// ring was triggered by the watchdog.
func (m *Monitor) HasWatchdogRestarts() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.restarts {
		if r.TriggeredByWatchdog {
			return true
		}
	}
	return false
}

// ClearRestartHistory resets only the restart ring; uptime and
// health-check counters are untouched.
func (m *Monitor) ClearRestartHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts = nil
}

// GetHealthReport returns a snapshot. taskCounts may be nil when the
// daemon isn't available to supply one.
func (m *Monitor) GetHealthReport(taskCounts *TaskCounts) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	history := make([]RestartRecord, len(m.restarts))
	for i, r := range m.restarts {
		history[len(m.restarts)-1-i] = r
	}

	return Report{
		Uptime:             m.now().Sub(m.startedAt),
		MemoryUsageBytes:   memStats.Alloc,
		TaskCounts:         taskCounts,
		LastHealthCheck:    m.lastCheck,
		HealthChecksPassed: m.passed,
		HealthChecksFailed: m.failed,
		RestartHistory:     history,
	}
}
