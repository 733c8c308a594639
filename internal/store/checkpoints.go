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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/internal/apextask"
)

// SaveCheckpoint upserts on (TaskID, CheckpointID).
func (s *Store) SaveCheckpoint(ctx context.Context, ck apextask.Checkpoint) error {
	if ck.CreatedAt.IsZero() {
		ck.CreatedAt = s.now()
	}
	meta, _ := json.Marshal(ck.Metadata)

	existing, err := s.getCheckpoint(ctx, ck.TaskID, ck.CheckpointID)
	if err != nil {
		return err
	}
	if existing == nil {
		q := fmt.Sprintf(`INSERT INTO task_checkpoints
			(task_id, checkpoint_id, stage, stage_index, conversation_state, metadata_json, created_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
			s.placeholder(5), s.placeholder(6), s.placeholder(7))
		_, err := s.db.ExecContext(ctx, q, ck.TaskID, ck.CheckpointID, ck.Stage, ck.StageIndex,
			ck.ConversationState, string(meta), ck.CreatedAt)
		if err != nil {
			return apexerr.Wrap(apexerr.KindStore, "SaveCheckpoint", "insert", err)
		}
		return nil
	}

	q := fmt.Sprintf(`UPDATE task_checkpoints SET stage = %s, stage_index = %s, conversation_state = %s,
		metadata_json = %s, created_at = %s WHERE task_id = %s AND checkpoint_id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7))
	_, err = s.db.ExecContext(ctx, q, ck.Stage, ck.StageIndex, ck.ConversationState, string(meta), ck.CreatedAt, ck.TaskID, ck.CheckpointID)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "SaveCheckpoint", "update", err)
	}
	return nil
}

func (s *Store) getCheckpoint(ctx context.Context, taskID, checkpointID string) (*apextask.Checkpoint, error) {
	q := `SELECT task_id, checkpoint_id, stage, stage_index, conversation_state, metadata_json, created_at
		FROM task_checkpoints WHERE task_id = ` + s.placeholder(1) + ` AND checkpoint_id = ` + s.placeholder(2)
	row := s.db.QueryRowContext(ctx, q, taskID, checkpointID)
	ck, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "getCheckpoint", "scan", err)
	}
	return ck, nil
}

func scanCheckpoint(row rowScanner) (*apextask.Checkpoint, error) {
	var ck apextask.Checkpoint
	var metaJSON string
	if err := row.Scan(&ck.TaskID, &ck.CheckpointID, &ck.Stage, &ck.StageIndex, &ck.ConversationState, &metaJSON, &ck.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metaJSON), &ck.Metadata)
	return &ck, nil
}

// GetLatestCheckpoint returns the checkpoint with the greatest CreatedAt
// for taskID, or nil if none exists.
func (s *Store) GetLatestCheckpoint(ctx context.Context, taskID string) (*apextask.Checkpoint, error) {
	q := `SELECT task_id, checkpoint_id, stage, stage_index, conversation_state, metadata_json, created_at
		FROM task_checkpoints WHERE task_id = ` + s.placeholder(1) + ` ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, taskID)
	ck, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "GetLatestCheckpoint", "scan", err)
	}
	return ck, nil
}
