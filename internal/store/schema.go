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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// column describes one column this version of the store expects to
// exist. Migration only ever adds columns; it never removes or alters
// one, so existing data is always retained.
type column struct {
	name string
	ddl  string // dialect-agnostic enough to work across sqlite/postgres/mysql
}

var tableColumns = map[string][]column{
	"tasks": {
		{"id", "VARCHAR(255) PRIMARY KEY"},
		{"project_path", "TEXT NOT NULL DEFAULT ''"},
		{"workflow", "TEXT NOT NULL DEFAULT ''"},
		{"parent_id", "VARCHAR(255)"},
		{"subtask_ids_json", "TEXT NOT NULL DEFAULT '[]'"},
		{"description", "TEXT NOT NULL DEFAULT ''"},
		{"acceptance_criteria", "TEXT NOT NULL DEFAULT ''"},
		{"autonomy", "VARCHAR(32) NOT NULL DEFAULT 'full'"},
		{"priority", "VARCHAR(32) NOT NULL DEFAULT 'normal'"},
		{"effort", "TEXT NOT NULL DEFAULT ''"},
		{"status", "VARCHAR(32) NOT NULL DEFAULT 'pending'"},
		{"current_stage", "TEXT NOT NULL DEFAULT ''"},
		{"retry_count", "INTEGER NOT NULL DEFAULT 0"},
		{"max_retries", "INTEGER NOT NULL DEFAULT 0"},
		{"resume_attempts", "INTEGER NOT NULL DEFAULT 0"},
		{"branch_name", "TEXT NOT NULL DEFAULT ''"},
		{"pull_request_url", "TEXT NOT NULL DEFAULT ''"},
		{"created_at", "TIMESTAMP NOT NULL"},
		{"updated_at", "TIMESTAMP NOT NULL"},
		{"completed_at", "TIMESTAMP"},
		{"paused_at", "TIMESTAMP"},
		{"resume_after", "TIMESTAMP"},
		{"pause_reason", "VARCHAR(32) NOT NULL DEFAULT ''"},
		{"input_tokens", "BIGINT NOT NULL DEFAULT 0"},
		{"output_tokens", "BIGINT NOT NULL DEFAULT 0"},
		{"total_tokens", "BIGINT NOT NULL DEFAULT 0"},
		{"estimated_cost", "DOUBLE PRECISION NOT NULL DEFAULT 0"},
		{"workspace_json", "TEXT NOT NULL DEFAULT '{}'"},
		{"session_json", "TEXT NOT NULL DEFAULT '{}'"},
		{"subtask_strategy", "VARCHAR(32) NOT NULL DEFAULT ''"},
		{"error", "TEXT NOT NULL DEFAULT ''"},
		{"trashed_at", "TIMESTAMP"},
	},
	"task_dependencies": {
		{"task_id", "VARCHAR(255) NOT NULL"},
		{"depends_on_id", "VARCHAR(255) NOT NULL"},
	},
	"task_logs": {
		{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
		{"task_id", "VARCHAR(255) NOT NULL"},
		{"timestamp", "TIMESTAMP NOT NULL"},
		{"level", "VARCHAR(16) NOT NULL"},
		{"stage", "TEXT NOT NULL DEFAULT ''"},
		{"agent", "TEXT NOT NULL DEFAULT ''"},
		{"message", "TEXT NOT NULL DEFAULT ''"},
		{"metadata_json", "TEXT NOT NULL DEFAULT '{}'"},
	},
	"task_artifacts": {
		{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
		{"task_id", "VARCHAR(255) NOT NULL"},
		{"name", "TEXT NOT NULL DEFAULT ''"},
		{"type", "VARCHAR(32) NOT NULL DEFAULT 'file'"},
		{"path", "TEXT NOT NULL DEFAULT ''"},
		{"content", "TEXT NOT NULL DEFAULT ''"},
		{"created_at", "TIMESTAMP NOT NULL"},
	},
	"gates": {
		{"task_id", "VARCHAR(255) NOT NULL"},
		{"name", "VARCHAR(255) NOT NULL"},
		{"status", "VARCHAR(32) NOT NULL DEFAULT 'pending'"},
		{"required_at", "TIMESTAMP NOT NULL"},
		{"responded_at", "TIMESTAMP"},
		{"approver", "TEXT NOT NULL DEFAULT ''"},
		{"comment", "TEXT NOT NULL DEFAULT ''"},
	},
	"task_checkpoints": {
		{"task_id", "VARCHAR(255) NOT NULL"},
		{"checkpoint_id", "VARCHAR(255) NOT NULL"},
		{"stage", "TEXT NOT NULL DEFAULT ''"},
		{"stage_index", "INTEGER NOT NULL DEFAULT 0"},
		{"conversation_state", "BLOB"},
		{"metadata_json", "TEXT NOT NULL DEFAULT '{}'"},
		{"created_at", "TIMESTAMP NOT NULL"},
	},
	"iteration_entries": {
		{"id", "VARCHAR(255) PRIMARY KEY"},
		{"task_id", "VARCHAR(255) NOT NULL"},
		{"feedback", "TEXT NOT NULL DEFAULT ''"},
		{"stage", "TEXT NOT NULL DEFAULT ''"},
		{"before_state_json", "TEXT NOT NULL DEFAULT '{}'"},
		{"after_state_json", "TEXT"},
		{"modified_files_json", "TEXT NOT NULL DEFAULT '[]'"},
		{"diff_summary", "TEXT NOT NULL DEFAULT ''"},
		{"created_at", "TIMESTAMP NOT NULL"},
	},
	"workspace_info": {
		{"task_id", "VARCHAR(255) PRIMARY KEY"},
		{"path", "TEXT NOT NULL DEFAULT ''"},
		{"kind", "VARCHAR(32) NOT NULL DEFAULT 'worktree'"},
		{"updated_at", "TIMESTAMP NOT NULL"},
	},
}

var tableOrder = []string{
	"tasks",
	"task_dependencies",
	"task_logs",
	"task_artifacts",
	"gates",
	"task_checkpoints",
	"iteration_entries",
	"workspace_info",
}

// ensureSchema creates any missing table with its full current column
// set, then additively adds any column an already-existing table is
// missing. It never drops or alters an existing column, so repeated
// calls across versions are idempotent and preserve data.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, table := range tableOrder {
		exists, err := s.tableExists(ctx, table)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !exists {
			if err := s.createTable(ctx, table); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
			continue
		}
		if err := s.migrateTable(ctx, table); err != nil {
			return fmt.Errorf("migrate table %s: %w", table, err)
		}
	}
	return s.createIndexes(ctx)
}

func (s *Store) createTable(ctx context.Context, table string) error {
	cols := tableColumns[table]
	ddl := fmt.Sprintf("CREATE TABLE %s (\n", table)
	for i, c := range cols {
		ddl += "  " + c.name + " " + c.ddl
		if i < len(cols)-1 {
			ddl += ",\n"
		} else {
			ddl += "\n"
		}
	}
	ddl += ")"
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) createIndexes(ctx context.Context) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_task_deps_unique ON task_dependencies(task_id, depends_on_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_task_artifacts_task_id ON task_artifacts(task_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_gates_unique ON gates(task_id, name)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_unique ON task_checkpoints(task_id, checkpoint_id)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_task_id ON task_checkpoints(task_id)",
		"CREATE INDEX IF NOT EXISTS idx_iterations_task_id ON iteration_entries(task_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	switch s.dialect {
	case "sqlite":
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	case "postgres":
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)`, table).Scan(&exists)
		return exists, err
	case "mysql":
		var name string
		err := s.db.QueryRowContext(ctx,
			`SELECT table_name FROM information_schema.tables WHERE table_schema=DATABASE() AND table_name=?`, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	default:
		return false, fmt.Errorf("unsupported dialect %q", s.dialect)
	}
}

// migrateTable adds any column from tableColumns[table] that the live
// table is missing.
func (s *Store) migrateTable(ctx context.Context, table string) error {
	existing, err := s.existingColumns(ctx, table)
	if err != nil {
		return err
	}

	for _, c := range tableColumns[table] {
		if existing[c.name] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.ddl)
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
		}
	}
	return nil
}

func (s *Store) existingColumns(ctx context.Context, table string) (map[string]bool, error) {
	cols := make(map[string]bool)

	switch s.dialect {
	case "sqlite":
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull int
			var dflt any
			var pk int
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return nil, err
			}
			cols[name] = true
		}
		return cols, rows.Err()
	case "postgres", "mysql":
		query := `SELECT column_name FROM information_schema.columns WHERE table_name = ?`
		if s.dialect == "postgres" {
			query = `SELECT column_name FROM information_schema.columns WHERE table_name = $1`
		}
		rows, err := s.db.QueryContext(ctx, query, table)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			cols[name] = true
		}
		return cols, rows.Err()
	default:
		return nil, fmt.Errorf("unsupported dialect %q", s.dialect)
	}
}
