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
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/internal/apextask"
)

// AddLog appends a log entry for a task. Per-task writes are serialized
// by the underlying connection, so logs are retained in call order.
func (s *Store) AddLog(ctx context.Context, l apextask.Log) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = s.now()
	}
	meta, _ := json.Marshal(l.Metadata)
	q := fmt.Sprintf(`INSERT INTO task_logs (task_id, timestamp, level, stage, agent, message, metadata_json)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7))
	_, err := s.db.ExecContext(ctx, q, l.TaskID, l.Timestamp, string(l.Level), l.Stage, l.Agent, l.Message, string(meta))
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "AddLog", "insert", err)
	}
	return nil
}

// ListLogs returns a task's logs in call order.
func (s *Store) ListLogs(ctx context.Context, taskID string) ([]apextask.Log, error) {
	q := `SELECT task_id, timestamp, level, stage, agent, message, metadata_json
		FROM task_logs WHERE task_id = ` + s.placeholder(1) + ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "ListLogs", "query", err)
	}
	defer rows.Close()

	var logs []apextask.Log
	for rows.Next() {
		var l apextask.Log
		var level, metaJSON string
		if err := rows.Scan(&l.TaskID, &l.Timestamp, &level, &l.Stage, &l.Agent, &l.Message, &metaJSON); err != nil {
			return nil, err
		}
		l.Level = apextask.LogLevel(level)
		_ = json.Unmarshal([]byte(metaJSON), &l.Metadata)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AddArtifact appends an artifact for a task.
func (s *Store) AddArtifact(ctx context.Context, a apextask.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	q := fmt.Sprintf(`INSERT INTO task_artifacts (task_id, name, type, path, content, created_at)
		VALUES (%s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	_, err := s.db.ExecContext(ctx, q, a.TaskID, a.Name, string(a.Type), a.Path, a.Content, a.CreatedAt)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "AddArtifact", "insert", err)
	}
	return nil
}

// ListArtifacts returns a task's artifacts in call order.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]apextask.Artifact, error) {
	q := `SELECT task_id, name, type, path, content, created_at
		FROM task_artifacts WHERE task_id = ` + s.placeholder(1) + ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "ListArtifacts", "query", err)
	}
	defer rows.Close()

	var arts []apextask.Artifact
	for rows.Next() {
		var a apextask.Artifact
		var typ string
		if err := rows.Scan(&a.TaskID, &a.Name, &typ, &a.Path, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = apextask.ArtifactType(typ)
		arts = append(arts, a)
	}
	return arts, rows.Err()
}
