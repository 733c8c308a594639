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
	"time"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/internal/apextask"
)

// CreateTask inserts t and its dependency edges atomically. Fails if the
// id already exists.
func (s *Store) CreateTask(ctx context.Context, t *apextask.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "CreateTask", "begin transaction", err)
	}
	defer tx.Rollback()

	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	subtaskJSON, _ := json.Marshal(t.SubtaskIDs)
	workspaceJSON, _ := json.Marshal(t.Workspace)
	sessionJSON, _ := json.Marshal(t.Session)

	insert := `INSERT INTO tasks (
		id, project_path, workflow, parent_id, subtask_ids_json,
		description, acceptance_criteria, autonomy, priority, effort,
		status, current_stage, retry_count, max_retries, resume_attempts,
		branch_name, pull_request_url, created_at, updated_at, completed_at,
		paused_at, resume_after, pause_reason,
		input_tokens, output_tokens, total_tokens, estimated_cost,
		workspace_json, session_json, subtask_strategy, error, trashed_at
	) VALUES (` + placeholders(s.dialect, 32) + `)`

	_, err = tx.ExecContext(ctx, insert,
		t.ID, t.ProjectPath, t.Workflow, nullString(t.ParentID), string(subtaskJSON),
		t.Description, t.AcceptanceCriteria, string(t.Autonomy), string(t.Priority), t.Effort,
		string(t.Status), t.CurrentStage, t.RetryCount, t.MaxRetries, t.ResumeAttempts,
		t.BranchName, t.PullRequestURL, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
		t.PausedAt, t.ResumeAfter, string(t.PauseReason),
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, t.Usage.EstimatedCost,
		string(workspaceJSON), string(sessionJSON), string(t.SubtaskStrategy), t.Error, t.TrashedAt,
	)
	if err != nil {
		return apexerr.Wrap(apexerr.KindConflict, "CreateTask", fmt.Sprintf("insert task %s", t.ID), err)
	}

	for _, dep := range t.DependsOn {
		if err := s.insertDependency(ctx, tx, t.ID, dep); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apexerr.Wrap(apexerr.KindStore, "CreateTask", "commit", err)
	}
	return nil
}

func (s *Store) insertDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	q := fmt.Sprintf("INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (%s, %s)",
		s.placeholder(1), s.placeholder(2))
	if _, err := tx.ExecContext(ctx, q, taskID, dependsOn); err != nil {
		return apexerr.Wrap(apexerr.KindStore, "CreateTask", "insert dependency", err)
	}
	return nil
}

// GetTask returns the hydrated task (logs, artifacts, dependsOn,
// blockedBy, iteration history), or nil if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*apextask.Task, error) {
	t, err := s.selectTaskRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	if t.DependsOn, err = s.dependenciesOf(ctx, id); err != nil {
		return nil, err
	}
	if err := s.hydrateBlockedBy(ctx, t); err != nil {
		return nil, err
	}
	if t.Logs, err = s.ListLogs(ctx, id); err != nil {
		return nil, err
	}
	if t.Artifacts, err = s.ListArtifacts(ctx, id); err != nil {
		return nil, err
	}
	if t.IterationHistory, err = s.GetIterationHistory(ctx, id); err != nil {
		return nil, err
	}

	return t, nil
}

func (s *Store) selectTaskRow(ctx context.Context, id string) (*apextask.Task, error) {
	q := `SELECT id, project_path, workflow, parent_id, subtask_ids_json,
		description, acceptance_criteria, autonomy, priority, effort,
		status, current_stage, retry_count, max_retries, resume_attempts,
		branch_name, pull_request_url, created_at, updated_at, completed_at,
		paused_at, resume_after, pause_reason,
		input_tokens, output_tokens, total_tokens, estimated_cost,
		workspace_json, session_json, subtask_strategy, error, trashed_at
	FROM tasks WHERE id = ` + s.placeholder(1)

	row := s.db.QueryRowContext(ctx, q, id)
	t, err := s.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "GetTask", "scan task", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row rowScanner) (*apextask.Task, error) {
	var t apextask.Task
	var parentID sql.NullString
	var subtaskJSON, workspaceJSON, sessionJSON string
	var status, autonomy, priority, pauseReason, subtaskStrategy string
	var completedAt, pausedAt, resumeAfter, trashedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ProjectPath, &t.Workflow, &parentID, &subtaskJSON,
		&t.Description, &t.AcceptanceCriteria, &autonomy, &priority, &t.Effort,
		&status, &t.CurrentStage, &t.RetryCount, &t.MaxRetries, &t.ResumeAttempts,
		&t.BranchName, &t.PullRequestURL, &t.CreatedAt, &t.UpdatedAt, &completedAt,
		&pausedAt, &resumeAfter, &pauseReason,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens, &t.Usage.EstimatedCost,
		&workspaceJSON, &sessionJSON, &subtaskStrategy, &t.Error, &trashedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ParentID = parentID.String
	t.Status = apextask.Status(status)
	t.Autonomy = apextask.Autonomy(autonomy)
	t.Priority = apextask.Priority(priority)
	t.PauseReason = apextask.PauseReason(pauseReason)
	t.SubtaskStrategy = apextask.SubtaskStrategy(subtaskStrategy)
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if pausedAt.Valid {
		v := pausedAt.Time
		t.PausedAt = &v
	}
	if resumeAfter.Valid {
		v := resumeAfter.Time
		t.ResumeAfter = &v
	}
	if trashedAt.Valid {
		v := trashedAt.Time
		t.TrashedAt = &v
	}

	_ = json.Unmarshal([]byte(subtaskJSON), &t.SubtaskIDs)
	_ = json.Unmarshal([]byte(workspaceJSON), &t.Workspace)
	_ = json.Unmarshal([]byte(sessionJSON), &t.Session)

	return &t, nil
}

func (s *Store) dependenciesOf(ctx context.Context, taskID string) ([]string, error) {
	q := "SELECT depends_on_id FROM task_dependencies WHERE task_id = " + s.placeholder(1)
	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "dependenciesOf", "query", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// hydrateBlockedBy recomputes BlockedBy by checking each dependency's
// current status.
func (s *Store) hydrateBlockedBy(ctx context.Context, t *apextask.Task) error {
	t.RecomputeBlockedBy(func(id string) (apextask.Status, bool) {
		row := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = "+s.placeholder(1), id)
		var status string
		if err := row.Scan(&status); err != nil {
			return "", false
		}
		return apextask.Status(status), true
	})
	return nil
}

// UpdateTaskPatch is a partial update. Pointer fields left nil are not
// modified; a non-nil pointer whose pointee is the zero value still
// updates the column, which lets callers distinguish "not in patch" from
// "set to the zero value" for ordinary fields. Pause-field clearing uses
// the explicit *Clear flags since a nil *time.Time is ambiguous between
// "leave alone" and "clear".
type UpdateTaskPatch struct {
	Status         *apextask.Status
	CurrentStage   *string
	RetryCount     *int
	ResumeAttempts *int
	BranchName     *string
	PullRequestURL *string
	CompletedAt    *time.Time
	PausedAt       *time.Time
	ClearPausedAt  bool
	ResumeAfter    *time.Time
	ClearResumeAfter bool
	PauseReason    *apextask.PauseReason
	Usage          *apextask.Usage
	Session        *apextask.SessionData
	Error          *string
	TrashedAt      *time.Time
	DependsOn      *[]string // non-nil replaces the whole edge set atomically
}

// UpdateTask applies patch to task id.
func (s *Store) UpdateTask(ctx context.Context, id string, patch UpdateTaskPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "UpdateTask", "begin transaction", err)
	}
	defer tx.Rollback()

	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = %s", col, s.placeholder(len(args)+1)))
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.CurrentStage != nil {
		add("current_stage", *patch.CurrentStage)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.ResumeAttempts != nil {
		add("resume_attempts", *patch.ResumeAttempts)
	}
	if patch.BranchName != nil {
		add("branch_name", *patch.BranchName)
	}
	if patch.PullRequestURL != nil {
		add("pull_request_url", *patch.PullRequestURL)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.ClearPausedAt {
		add("paused_at", nil)
	} else if patch.PausedAt != nil {
		add("paused_at", *patch.PausedAt)
	}
	if patch.ClearResumeAfter {
		add("resume_after", nil)
	} else if patch.ResumeAfter != nil {
		add("resume_after", *patch.ResumeAfter)
	}
	if patch.PauseReason != nil {
		add("pause_reason", string(*patch.PauseReason))
	}
	if patch.Usage != nil {
		add("input_tokens", patch.Usage.InputTokens)
		add("output_tokens", patch.Usage.OutputTokens)
		add("total_tokens", patch.Usage.TotalTokens)
		add("estimated_cost", patch.Usage.EstimatedCost)
	}
	if patch.Session != nil {
		b, _ := json.Marshal(*patch.Session)
		add("session_json", string(b))
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.TrashedAt != nil {
		add("trashed_at", *patch.TrashedAt)
	}

	add("updated_at", s.now())

	if len(sets) == 0 && patch.DependsOn == nil {
		return nil
	}

	if len(sets) > 0 {
		q := fmt.Sprintf("UPDATE tasks SET %s WHERE id = %s", join(sets, ", "), s.placeholder(len(args)+1))
		args = append(args, id)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return apexerr.Wrap(apexerr.KindStore, "UpdateTask", "update", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apexerr.New(apexerr.KindValidation, "UpdateTask", fmt.Sprintf("task %s not found", id))
		}
	}

	if patch.DependsOn != nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM task_dependencies WHERE task_id = "+s.placeholder(1), id); err != nil {
			return apexerr.Wrap(apexerr.KindStore, "UpdateTask", "clear dependencies", err)
		}
		for _, dep := range *patch.DependsOn {
			if err := s.insertDependency(ctx, tx, id, dep); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apexerr.Wrap(apexerr.KindStore, "UpdateTask", "commit", err)
	}
	return nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status          *apextask.Status
	Limit           int
	OrderByPriority bool
	IncludeTrashed  bool
}

// ListTasks returns tasks matching filter. Trash is invisible unless
// IncludeTrashed is set.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*apextask.Task, error) {
	q := `SELECT id, project_path, workflow, parent_id, subtask_ids_json,
		description, acceptance_criteria, autonomy, priority, effort,
		status, current_stage, retry_count, max_retries, resume_attempts,
		branch_name, pull_request_url, created_at, updated_at, completed_at,
		paused_at, resume_after, pause_reason,
		input_tokens, output_tokens, total_tokens, estimated_cost,
		workspace_json, session_json, subtask_strategy, error, trashed_at
	FROM tasks WHERE 1=1`
	var args []any

	if !filter.IncludeTrashed {
		q += " AND trashed_at IS NULL"
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		q += fmt.Sprintf(" AND status = %s", s.placeholder(len(args)))
	}
	if filter.OrderByPriority {
		q += ` ORDER BY CASE priority
			WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 2 END,
			created_at ASC`
	} else {
		q += " ORDER BY created_at ASC"
	}
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryTasks(ctx, q, args...)
}

// ListTrashed returns soft-deleted tasks.
func (s *Store) ListTrashed(ctx context.Context) ([]*apextask.Task, error) {
	q := `SELECT id, project_path, workflow, parent_id, subtask_ids_json,
		description, acceptance_criteria, autonomy, priority, effort,
		status, current_stage, retry_count, max_retries, resume_attempts,
		branch_name, pull_request_url, created_at, updated_at, completed_at,
		paused_at, resume_after, pause_reason,
		input_tokens, output_tokens, total_tokens, estimated_cost,
		workspace_json, session_json, subtask_strategy, error, trashed_at
	FROM tasks WHERE trashed_at IS NOT NULL ORDER BY trashed_at DESC`
	return s.queryTasks(ctx, q)
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*apextask.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "queryTasks", "query", err)
	}
	defer rows.Close()

	var tasks []*apextask.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, apexerr.Wrap(apexerr.KindStore, "queryTasks", "scan", err)
		}
		if err := s.hydrateBlockedBy(ctx, t); err != nil {
			return nil, err
		}
		if t.DependsOn, err = s.dependenciesOf(ctx, t.ID); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetNextQueuedTask returns the highest-priority pending task with empty
// BlockedBy, or nil. It must never return a task whose dependencies are
// incomplete.
func (s *Store) GetNextQueuedTask(ctx context.Context) (*apextask.Task, error) {
	tasks, err := s.GetReadyTasks(ctx, 1, true)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// GetReadyTasks returns up to limit pending tasks with empty BlockedBy.
// limit <= 0 means unbounded.
func (s *Store) GetReadyTasks(ctx context.Context, limit int, orderByPriority bool) ([]*apextask.Task, error) {
	pending := apextask.StatusPending
	candidates, err := s.ListTasks(ctx, TaskFilter{Status: &pending, OrderByPriority: orderByPriority})
	if err != nil {
		return nil, err
	}

	var ready []*apextask.Task
	for _, t := range candidates {
		if len(t.BlockedBy) == 0 {
			ready = append(ready, t)
			if limit > 0 && len(ready) >= limit {
				break
			}
		}
	}
	return ready, nil
}

// GetPausedTasksForResume returns paused tasks whose PauseReason is
// auto-resumable and whose ResumeAfter is null or past, ordered by
// priority then createdAt.
func (s *Store) GetPausedTasksForResume(ctx context.Context) ([]*apextask.Task, error) {
	paused := apextask.StatusPaused
	all, err := s.ListTasks(ctx, TaskFilter{Status: &paused, OrderByPriority: true})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []*apextask.Task
	for _, t := range all {
		if !t.PauseReason.IsAutoResumable() {
			continue
		}
		if t.ResumeAfter != nil && t.ResumeAfter.After(now) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func placeholders(dialect string, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if dialect == "postgres" {
			out += fmt.Sprintf("$%d", i)
		} else {
			out += "?"
		}
		if i < n {
			out += ", "
		}
	}
	return out
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		out += p
		if i < len(parts)-1 {
			out += sep
		}
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
