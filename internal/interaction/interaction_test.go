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

package interaction

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/eventbus"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*apextask.Task
	entries map[string][]apextask.IterationEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]*apextask.Task{}, entries: map[string][]apextask.IterationEntry{}}
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*apextask.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID], nil
}

func (f *fakeStore) AddIterationEntry(_ context.Context, e apextask.IterationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.TaskID] = append(f.entries[e.TaskID], e)
	return nil
}

func (f *fakeStore) UpdateIterationEntry(_ context.Context, iterID string, after apextask.Snapshot, summary string, modifiedFiles []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for taskID, entries := range f.entries {
		for i := range entries {
			if entries[i].ID == iterID {
				entries[i].AfterState = &after
				entries[i].DiffSummary = summary
				entries[i].ModifiedFiles = modifiedFiles
				f.entries[taskID] = entries
				return nil
			}
		}
	}
	return nil
}

func (f *fakeStore) GetIterationHistory(_ context.Context, taskID string) ([]apextask.IterationEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apextask.IterationEntry{}, f.entries[taskID]...), nil
}

func TestIterateTaskFailsIfNotInProgress(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusPending}
	m := New(store, nil)

	_, err := m.IterateTask(context.Background(), "t1", "refine", "")
	assert.Error(t, err)
}

func TestIterateTaskFailsIfTaskMissing(t *testing.T) {
	store := newFakeStore()
	m := New(store, nil)
	_, err := m.IterateTask(context.Background(), "ghost", "refine", "")
	assert.Error(t, err)
}

func TestIterateTaskSucceedsAndEmitsEvent(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusInProgress, CurrentStage: "implement"}
	bus := eventbus.New(nil)

	var got []eventbus.IterateEvent
	bus.Subscribe(eventbus.TaskIterate, func(p any) { got = append(got, p.(eventbus.IterateEvent)) })

	m := New(store, bus)
	id, err := m.IterateTask(context.Background(), "t1", "please redo the tests", "ctx")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, got, 1)
	assert.Equal(t, "please redo the tests", got[0].Instructions)
}

func TestConcurrentIterateTaskProducesDistinctIDs(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusInProgress}
	m := New(store, nil)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.IterateTask(context.Background(), "t1", "go", "")
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "iteration id collided: %s", id)
		seen[id] = struct{}{}
	}
}

func TestCompleteIterationComputesModifiedFilesUnion(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusInProgress}
	m := New(store, nil)

	id, err := m.IterateTask(context.Background(), "t1", "feedback", "")
	require.NoError(t, err)

	store.mu.Lock()
	entries := store.entries["t1"]
	entries[0].BeforeState.FilesModified = []string{"a.go"}
	store.entries["t1"] = entries
	store.mu.Unlock()

	store.tasks["t1"].Artifacts = []apextask.Artifact{{Name: "new"}}

	err = m.CompleteIteration(context.Background(), "t1", id)
	require.NoError(t, err)

	history, err := store.GetIterationHistory(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].AfterState)
	assert.Contains(t, history[0].ModifiedFiles, "a.go")
}

func TestGetIterationDiffFilesAndDeltas(t *testing.T) {
	store := newFakeStore()
	before := apextask.Snapshot{Stage: "plan", Status: apextask.StatusInProgress, FilesCreated: []string{"a.go"}, Usage: apextask.Usage{TotalTokens: 100, EstimatedCost: 1.0}}
	after := apextask.Snapshot{Stage: "implement", Status: apextask.StatusInProgress, FilesCreated: []string{"a.go", "b.go"}, Usage: apextask.Usage{TotalTokens: 250, EstimatedCost: 2.5}}
	store.entries["t1"] = []apextask.IterationEntry{{
		ID: "i1", TaskID: "t1", BeforeState: before, AfterState: &after, ModifiedFiles: []string{"a.go", "b.go"},
	}}
	m := New(store, nil)

	diff, err := m.GetIterationDiff(context.Background(), "t1", "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, diff.FilesChanged.Added)
	assert.Empty(t, diff.FilesChanged.Removed)
	assert.Equal(t, []string{"a.go"}, diff.FilesChanged.Modified, "modifiedFiles minus added")
	assert.Equal(t, int64(150), diff.TokenUsageDelta)
	assert.InDelta(t, 1.5, diff.CostDelta, 0.0001)
	require.NotNil(t, diff.StageChange)
	assert.Equal(t, "plan", diff.StageChange.From)
	assert.Equal(t, "implement", diff.StageChange.To)
}

func TestSubmitInteractionEmitsReceivedAndProcessed(t *testing.T) {
	store := newFakeStore()
	store.tasks["t1"] = &apextask.Task{ID: "t1", Status: apextask.StatusInProgress}
	bus := eventbus.New(nil)

	var received, processed int
	bus.Subscribe(eventbus.InteractionReceived, func(any) { received++ })
	bus.Subscribe(eventbus.InteractionProcessed, func(any) { processed++ })

	m := New(store, bus)
	_, err := m.SubmitInteraction(context.Background(), "t1", "iterate", map[string]any{"feedback": "go"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, received)
	assert.Equal(t, 1, processed)
}

func TestSubmitInteractionUnknownCommandErrors(t *testing.T) {
	store := newFakeStore()
	m := New(store, nil)
	_, err := m.SubmitInteraction(context.Background(), "t1", "bogus", nil, "alice")
	assert.Error(t, err)
}
