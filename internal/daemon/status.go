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

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/kadirpekel/apex/internal/health"
	"github.com/kadirpekel/apex/internal/metrics"
	"github.com/kadirpekel/apex/internal/store"
)

// NewStatusHandler builds the daemon's optional status HTTP surface:
// GET /healthz (the health monitor's report), GET /tasks (a plain task
// listing), and GET /metrics (Prometheus exposition). Plain net/http is
// used directly rather than a router, the same way the teacher reserves
// go-chi for its own multi-route A2A server and does not pull it in for
// a three-route admin surface.
func NewStatusHandler(h *health.Monitor, st Store, mc *metrics.Collector) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		report := h.GetHealthReport(nil)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		tasks, err := st.ListTasks(r.Context(), store.TaskFilter{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tasks)
	})

	mux.Handle("/metrics", mc.Handler())

	return mux
}
