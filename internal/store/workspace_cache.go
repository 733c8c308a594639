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

	"github.com/kadirpekel/apex/internal/apexerr"
)

// SetWorkspacePath caches the taskId -> workspace-path mapping. The
// source of truth for workspace existence remains the external
// VCS/container engine; this is only a lookup cache.
func (s *Store) SetWorkspacePath(ctx context.Context, taskID, path, kind string) error {
	q := fmt.Sprintf(`INSERT INTO workspace_info (task_id, path, kind, updated_at) VALUES (%s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	if s.dialect == "postgres" {
		q += ` ON CONFLICT (task_id) DO UPDATE SET path = excluded.path, kind = excluded.kind, updated_at = excluded.updated_at`
	} else {
		q += ` ON CONFLICT(task_id) DO UPDATE SET path = excluded.path, kind = excluded.kind, updated_at = excluded.updated_at`
	}
	_, err := s.db.ExecContext(ctx, q, taskID, path, kind, s.now())
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "SetWorkspacePath", "upsert", err)
	}
	return nil
}

// GetWorkspacePath returns the cached workspace path for a task, or ""
// if none is cached.
func (s *Store) GetWorkspacePath(ctx context.Context, taskID string) (string, error) {
	var path string
	q := "SELECT path FROM workspace_info WHERE task_id = " + s.placeholder(1)
	err := s.db.QueryRowContext(ctx, q, taskID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apexerr.Wrap(apexerr.KindStore, "GetWorkspacePath", "query", err)
	}
	return path, nil
}

// DeleteWorkspacePath clears the cached mapping for a task.
func (s *Store) DeleteWorkspacePath(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workspace_info WHERE task_id = "+s.placeholder(1), taskID)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "DeleteWorkspacePath", "delete", err)
	}
	return nil
}
