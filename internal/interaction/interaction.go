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

// Package interaction provides mid-flight task refinement: capturing
// feedback against a running task, diffing before/after snapshots, and
// dispatching the generic submitInteraction command surface. The
// uniqueness scheme for concurrent iteration ids is grounded on the
// teacher's channel-per-task Awaiter bookkeeping, generalized from
// "await human input" to "mint a unique iteration id under concurrent
// callers".
package interaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/eventbus"
)

// Store is the subset of the store package's API the Interaction
// Manager depends on.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*apextask.Task, error)
	AddIterationEntry(ctx context.Context, e apextask.IterationEntry) error
	UpdateIterationEntry(ctx context.Context, iterID string, after apextask.Snapshot, summary string, modifiedFiles []string) error
	GetIterationHistory(ctx context.Context, taskID string) ([]apextask.IterationEntry, error)
}

// FilesChanged buckets the files touched between two snapshots.
type FilesChanged struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Diff is the result of getIterationDiff.
type Diff struct {
	FilesChanged    FilesChanged
	TokenUsageDelta int64
	CostDelta       float64
	StageChange     *Change
	StatusChange    *Change
	Summary         string
}

// Change describes a before/after transition when the two differ.
type Change struct {
	From string
	To   string
}

// Manager implements the Interaction Manager contract (spec §4.7).
type Manager struct {
	store Store
	bus   *eventbus.Bus

	mu      sync.Mutex
	counter int64 // monotonically increasing, for iteration-id uniqueness
	now     func() time.Time
}

// New builds a Manager.
func New(store Store, bus *eventbus.Bus) *Manager {
	return &Manager{store: store, bus: bus, now: time.Now}
}

// nextIterationID derives a unique id from an increasing counter plus a
// high-resolution fraction, so two near-simultaneous calls never
// collide even without a global lock held across the whole call.
func (m *Manager) nextIterationID(taskID string) string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("%s-iter-%d-%d", taskID, n, m.now().UnixNano())
}

// IterateTask captures a beforeState snapshot, persists a new iteration
// entry, and emits task:iterate. Fails if the task is unknown or not
// in-progress.
func (m *Manager) IterateTask(ctx context.Context, taskID, feedback, taskContext string) (string, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", apexerr.Wrap(apexerr.KindStore, "IterateTask", "load task", err)
	}
	if task == nil {
		return "", apexerr.Wrap(apexerr.KindValidation, "IterateTask", "task not found", apexerr.ErrTaskNotFound)
	}
	if task.Status != apextask.StatusInProgress {
		return "", apexerr.New(apexerr.KindValidation, "IterateTask",
			fmt.Sprintf("task %s is not in-progress (status=%s)", taskID, task.Status))
	}

	iterID := m.nextIterationID(taskID)
	before := snapshotOf(task)
	entry := apextask.IterationEntry{
		ID:          iterID,
		TaskID:      taskID,
		Feedback:    feedback,
		Stage:       task.CurrentStage,
		BeforeState: before,
		CreatedAt:   m.now(),
	}
	if err := m.store.AddIterationEntry(ctx, entry); err != nil {
		return "", apexerr.Wrap(apexerr.KindStore, "IterateTask", "persist iteration entry", err)
	}

	if m.bus != nil {
		m.bus.Publish(eventbus.TaskIterate, eventbus.IterateEvent{
			TaskID:       taskID,
			IterationID:  iterID,
			Instructions: feedback,
			Context:      taskContext,
			Timestamp:    entry.CreatedAt,
		})
	}
	return iterID, nil
}

// CompleteIteration captures the afterState, computes a diff summary,
// and updates the stored entry with the union of modified files.
func (m *Manager) CompleteIteration(ctx context.Context, taskID, iterationID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "CompleteIteration", "load task", err)
	}
	if task == nil {
		return apexerr.Wrap(apexerr.KindValidation, "CompleteIteration", "task not found", apexerr.ErrTaskNotFound)
	}

	history, err := m.store.GetIterationHistory(ctx, taskID)
	if err != nil {
		return apexerr.Wrap(apexerr.KindStore, "CompleteIteration", "load iteration history", err)
	}
	entry := findEntry(history, iterationID)
	if entry == nil {
		return apexerr.New(apexerr.KindValidation, "CompleteIteration", fmt.Sprintf("iteration %s not found", iterationID))
	}

	after := snapshotOf(task)
	modified := unionFiles(entry.BeforeState, after)
	summary := summarize(entry.BeforeState, after)

	return m.store.UpdateIterationEntry(ctx, iterationID, after, summary, modified)
}

// GetIterationDiff compares the before and after snapshots of the named
// iteration (or of the most recent iteration if iterationID is empty) and
// returns the structured diff. Two different iterations are never
// compared with each other.
func (m *Manager) GetIterationDiff(ctx context.Context, taskID, iterationID string) (*Diff, error) {
	history, err := m.store.GetIterationHistory(ctx, taskID)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindStore, "GetIterationDiff", "load iteration history", err)
	}
	if len(history) == 0 {
		return nil, apexerr.New(apexerr.KindValidation, "GetIterationDiff", "no iteration history for task")
	}

	var entry *apextask.IterationEntry
	if iterationID != "" {
		entry = findEntry(history, iterationID)
		if entry == nil {
			return nil, apexerr.New(apexerr.KindValidation, "GetIterationDiff", fmt.Sprintf("iteration %s not found", iterationID))
		}
	} else {
		sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })
		entry = &history[len(history)-1]
	}
	if entry.AfterState == nil {
		return nil, apexerr.New(apexerr.KindValidation, "GetIterationDiff", "iteration has no afterState yet")
	}

	before, after := entry.BeforeState, *entry.AfterState
	added, removed := addedRemoved(before, after)
	modifiedMinusAdded := subtract(entry.ModifiedFiles, added)

	diff := &Diff{
		FilesChanged: FilesChanged{
			Added:    added,
			Modified: modifiedMinusAdded,
			Removed:  removed,
		},
		TokenUsageDelta: after.Usage.TotalTokens - before.Usage.TotalTokens,
		CostDelta:       after.Usage.EstimatedCost - before.Usage.EstimatedCost,
	}
	if before.Stage != after.Stage {
		diff.StageChange = &Change{From: before.Stage, To: after.Stage}
	}
	if before.Status != after.Status {
		diff.StatusChange = &Change{From: string(before.Status), To: string(after.Status)}
	}
	diff.Summary = summarize(before, after)
	return diff, nil
}

// SubmitInteraction dispatches on command, emitting interaction:received
// before and interaction:processed (with the result or an error string)
// after.
func (m *Manager) SubmitInteraction(ctx context.Context, taskID, command string, params map[string]any, requestedBy string) (any, error) {
	if m.bus != nil {
		m.bus.Publish(eventbus.InteractionReceived, eventbus.InteractionEvent{
			TaskID: taskID, Command: command, Params: params, Requester: requestedBy,
		})
	}

	result, err := m.dispatch(ctx, taskID, command, params)

	if m.bus != nil {
		ev := eventbus.InteractionEvent{TaskID: taskID, Command: command, Params: params, Requester: requestedBy, Result: result}
		if err != nil {
			ev.Error = err.Error()
		}
		m.bus.Publish(eventbus.InteractionProcessed, ev)
	}
	return result, err
}

func (m *Manager) dispatch(ctx context.Context, taskID, command string, params map[string]any) (any, error) {
	switch command {
	case "iterate":
		feedback, _ := params["feedback"].(string)
		taskContext, _ := params["context"].(string)
		return m.IterateTask(ctx, taskID, feedback, taskContext)
	case "iteration-diff":
		iterID, _ := params["iterationId"].(string)
		return m.GetIterationDiff(ctx, taskID, iterID)
	default:
		return nil, apexerr.New(apexerr.KindValidation, "SubmitInteraction", fmt.Sprintf("unknown command %q", command))
	}
}

func snapshotOf(t *apextask.Task) apextask.Snapshot {
	return apextask.Snapshot{
		Timestamp:     time.Now(),
		Stage:         t.CurrentStage,
		Status:        t.Status,
		Usage:         t.Usage,
		ArtifactCount: len(t.Artifacts),
	}
}

func findEntry(history []apextask.IterationEntry, id string) *apextask.IterationEntry {
	for i := range history {
		if history[i].ID == id {
			return &history[i]
		}
	}
	return nil
}

// unionFiles returns the set union of the before snapshot's files and
// whatever files changed by the after point (tracked separately by the
// caller's workspace diff in practice; here we fold in any files already
// recorded on either snapshot).
func unionFiles(before apextask.Snapshot, after apextask.Snapshot) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range append(append([]string{}, before.FilesCreated...), before.FilesModified...) {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	for _, f := range append(append([]string{}, after.FilesCreated...), after.FilesModified...) {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// addedRemoved computes added = in after but not before; removed = in
// before but not after, over the union of each snapshot's created+modified
// file sets.
func addedRemoved(before, after apextask.Snapshot) (added, removed []string) {
	beforeSet := toSet(append(append([]string{}, before.FilesCreated...), before.FilesModified...))
	afterSet := toSet(append(append([]string{}, after.FilesCreated...), after.FilesModified...))

	for f := range afterSet {
		if _, ok := beforeSet[f]; !ok {
			added = append(added, f)
		}
	}
	for f := range beforeSet {
		if _, ok := afterSet[f]; !ok {
			removed = append(removed, f)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func subtract(files, exclude []string) []string {
	excludeSet := toSet(exclude)
	var out []string
	for _, f := range files {
		if _, ok := excludeSet[f]; !ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func toSet(files []string) map[string]struct{} {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}
	return set
}

func summarize(before, after apextask.Snapshot) string {
	tokenDelta := after.Usage.TotalTokens - before.Usage.TotalTokens
	costDelta := after.Usage.EstimatedCost - before.Usage.EstimatedCost
	if before.Stage != after.Stage {
		return fmt.Sprintf("stage %s -> %s, %d tokens, $%.4f", before.Stage, after.Stage, tokenDelta, costDelta)
	}
	return fmt.Sprintf("%d tokens, $%.4f", tokenDelta, costDelta)
}
