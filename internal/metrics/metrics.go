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

// Package metrics exposes the daemon's Prometheus counters and gauges,
// narrowed from the teacher's pkg/observability.Metrics (which tracks
// agent/LLM/tool/session/HTTP/RAG metrics) down to the task-dispatch
// metrics this daemon actually produces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks dispatched/completed/failed task counts, active
// worker count, and capacity percentage. A nil *Collector is safe to
// call every method on (all are no-ops), mirroring the teacher's
// nil-receiver metrics convention so callers never need a presence
// check before recording.
type Collector struct {
	registry *prometheus.Registry

	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	activeWorkers   prometheus.Gauge
	capacityPercent prometheus.Gauge
}

// New builds a Collector registered against a fresh Prometheus registry.
func New(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.tasksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "daemon", Name: "tasks_dispatched_total",
		Help: "Total number of tasks dispatched to the orchestrator.",
	})
	c.tasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "daemon", Name: "tasks_completed_total",
		Help: "Total number of tasks that completed successfully.",
	})
	c.tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "daemon", Name: "tasks_failed_total",
		Help: "Total number of tasks that failed.",
	})
	c.activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "daemon", Name: "active_workers",
		Help: "Number of tasks currently dispatched to the orchestrator.",
	})
	c.capacityPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "daemon", Name: "capacity_percentage",
		Help: "Daily cost as a fraction of the daily budget.",
	})

	c.registry.MustRegister(c.tasksDispatched, c.tasksCompleted, c.tasksFailed, c.activeWorkers, c.capacityPercent)
	return c
}

// RecordDispatch increments the dispatched counter and sets the active
// worker gauge to the given in-flight count.
func (c *Collector) RecordDispatch(activeCount int) {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
	c.activeWorkers.Set(float64(activeCount))
}

// RecordCompletion records a task finishing, successfully or not, and
// updates the active worker gauge.
func (c *Collector) RecordCompletion(failed bool, activeCount int) {
	if c == nil {
		return
	}
	if failed {
		c.tasksFailed.Inc()
	} else {
		c.tasksCompleted.Inc()
	}
	c.activeWorkers.Set(float64(activeCount))
}

// SetCapacityPercentage records the current daily-cost-to-budget ratio.
func (c *Collector) SetCapacityPercentage(pct float64) {
	if c == nil {
		return
	}
	c.capacityPercent.Set(pct)
}

// Handler serves the Prometheus text exposition format. A nil Collector
// serves 503, mirroring an unconfigured metrics subsystem.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
