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
	"github.com/kadirpekel/apex/internal/apextask"
)

// SetGate upserts a gate for (TaskID, Name).
func (s *Store) SetGate(ctx context.Context, g apextask.Gate) error {
	if g.RequiredAt.IsZero() {
		g.RequiredAt = s.now()
	}

	existing, err := s.getGate(ctx, g.TaskID, g.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		q := fmt.Sprintf(`INSERT INTO gates (task_id, name, status, required_at, responded_at, approver, comment)
			VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
			s.placeholder(5), s.placeholder(6), s.placeholder(7))
		_, err := s.db.ExecContext(ctx, q, g.TaskID, g.Name, string(g.Status), g.RequiredAt, g.RespondedAt, g.Approver, g.Comment)
		if err != nil {
			return apexerr.Wrap(apexerr.KindStore, "SetGate", "insert", err)
		}
		return nil
	}

	q := fmt.Sprintf(`UPDATE gates SET status = %s, required_at = %s, responded_at = %s, approver = %s, comment = %s
		WHERE task_id = %s AND name = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7))
	_, err = s.db.ExecContext(ctx, q, string(g.Status), g.RequiredAt, g.RespondedAt, g.Approver, g.Comment, g.TaskID, g.Name)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "SetGate", "update", err)
	}
	return nil
}

func (s *Store) getGate(ctx context.Context, taskID, name string) (*apextask.Gate, error) {
	q := `SELECT task_id, name, status, required_at, responded_at, approver, comment
		FROM gates WHERE task_id = ` + s.placeholder(1) + ` AND name = ` + s.placeholder(2)
	row := s.db.QueryRowContext(ctx, q, taskID, name)
	g, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "getGate", "scan", err)
	}
	return g, nil
}

func scanGate(row rowScanner) (*apextask.Gate, error) {
	var g apextask.Gate
	var status string
	var respondedAt sql.NullTime
	if err := row.Scan(&g.TaskID, &g.Name, &status, &g.RequiredAt, &respondedAt, &g.Approver, &g.Comment); err != nil {
		return nil, err
	}
	g.Status = apextask.GateStatus(status)
	if respondedAt.Valid {
		v := respondedAt.Time
		g.RespondedAt = &v
	}
	return &g, nil
}

// ApproveGate marks a gate approved by approver, with an optional comment.
func (s *Store) ApproveGate(ctx context.Context, taskID, name, approver, comment string) error {
	return s.resolveGate(ctx, taskID, name, apextask.GateApproved, approver, comment)
}

// RejectGate marks a gate rejected by approver, with an optional comment.
func (s *Store) RejectGate(ctx context.Context, taskID, name, approver, comment string) error {
	return s.resolveGate(ctx, taskID, name, apextask.GateRejected, approver, comment)
}

func (s *Store) resolveGate(ctx context.Context, taskID, name string, status apextask.GateStatus, approver, comment string) error {
	existing, err := s.getGate(ctx, taskID, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return apexerr.Wrap(apexerr.KindValidation, "resolveGate", fmt.Sprintf("gate %s/%s not found", taskID, name), apexerr.ErrGateNotFound)
	}

	q := fmt.Sprintf(`UPDATE gates SET status = %s, responded_at = %s, approver = %s, comment = %s
		WHERE task_id = %s AND name = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	_, err = s.db.ExecContext(ctx, q, string(status), s.now(), approver, comment, taskID, name)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "resolveGate", "update", err)
	}
	return nil
}

// GetPendingGates returns all pending gates for a task.
func (s *Store) GetPendingGates(ctx context.Context, taskID string) ([]apextask.Gate, error) {
	return s.queryGates(ctx,
		`SELECT task_id, name, status, required_at, responded_at, approver, comment
		 FROM gates WHERE task_id = `+s.placeholder(1)+` AND status = 'pending' ORDER BY required_at ASC`,
		taskID)
}

// GetAllGates returns every gate for a task.
func (s *Store) GetAllGates(ctx context.Context, taskID string) ([]apextask.Gate, error) {
	return s.queryGates(ctx,
		`SELECT task_id, name, status, required_at, responded_at, approver, comment
		 FROM gates WHERE task_id = `+s.placeholder(1)+` ORDER BY required_at ASC`,
		taskID)
}

func (s *Store) queryGates(ctx context.Context, q string, args ...any) ([]apextask.Gate, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "queryGates", "query", err)
	}
	defer rows.Close()

	var gates []apextask.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, *g)
	}
	return gates, rows.Err()
}
