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

// Package apex provides the core of an autonomous AI-task orchestrator: a
// long-running daemon that accepts task descriptions, schedules their
// execution across bounded concurrency, persists task state durably, and
// coordinates isolated per-task workspaces.
//
// # Quick Start
//
// Install the daemon:
//
//	go install github.com/kadirpekel/apex/cmd/apexd@latest
//
// Start it against a project directory:
//
//	apexd serve --config apex.yaml
//
// # Architecture
//
//	caller -> Store (pending) -> Runner (poll) -> Scheduler (gate)
//	       -> Orchestrator (workspace + workflow stages + agent) -> Store (checkpoint)
//
// The store, orchestrator, runner, scheduler, usage/capacity managers,
// health monitor, interaction manager, and workspace providers are described
// in SPEC_FULL.md at the repository root.
//
// # Using as a Go Library
//
//	import (
//	    "github.com/kadirpekel/apex/internal/orchestrator"
//	    "github.com/kadirpekel/apex/internal/store"
//	    "github.com/kadirpekel/apex/pkg/config"
//	)
package apex
