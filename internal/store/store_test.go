package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/pkg/config"
)

var fixedTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "apex.db")}
	cfg.SetDefaults()
	pool := config.NewDBPool()
	t.Cleanup(func() { _ = pool.Close() })

	s, err := Open(context.Background(), pool, cfg)
	require.NoError(t, err)
	return s
}

func baseTask(id string) *apextask.Task {
	return &apextask.Task{
		ID:          id,
		ProjectPath: "/tmp/project",
		Workflow:    "default",
		Description: "do the thing",
		Autonomy:    apextask.AutonomyFull,
		Priority:    apextask.PriorityNormal,
		Status:      apextask.StatusPending,
		MaxRetries:  3,
	}
}

func TestCreateAndGetTaskRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := baseTask("t1")
	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.Description, got.Description)
	assert.Equal(t, apextask.StatusPending, got.Status)
	assert.Empty(t, got.BlockedBy)
}

func TestGetTaskMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDependencyGating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := baseTask("a")
	require.NoError(t, s.CreateTask(ctx, a))

	b := baseTask("b")
	b.DependsOn = []string{"a"}
	require.NoError(t, s.CreateTask(ctx, b))

	next, err := s.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "a", next.ID)

	completed := apextask.StatusCompleted
	require.NoError(t, s.UpdateTask(ctx, "a", UpdateTaskPatch{Status: &completed}))

	next, err = s.GetNextQueuedTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b", next.ID)
}

func TestListTasksOrderByPriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specs := []struct {
		id       string
		priority apextask.Priority
	}{
		{"urgent_1", apextask.PriorityUrgent},
		{"high_1", apextask.PriorityHigh},
		{"normal_1", apextask.PriorityNormal},
		{"urgent_2", apextask.PriorityUrgent},
		{"high_2", apextask.PriorityHigh},
	}
	for i, spec := range specs {
		tk := baseTask(spec.id)
		tk.Priority = spec.priority
		tk.CreatedAt = fixedTime.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateTask(ctx, tk))
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{OrderByPriority: true})
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	var ids []string
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"urgent_1", "urgent_2", "high_1", "high_2", "normal_1"}, ids)
}

func TestTrashIsInvisibleByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := baseTask("trashme")
	require.NoError(t, s.CreateTask(ctx, tk))

	cancelled := apextask.StatusCancelled
	now := fixedTime
	require.NoError(t, s.UpdateTask(ctx, "trashme", UpdateTaskPatch{Status: &cancelled, TrashedAt: &now}))

	tasks, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	trashed, err := s.ListTrashed(ctx)
	require.NoError(t, err)
	require.Len(t, trashed, 1)
	assert.Equal(t, "trashme", trashed[0].ID)
}

func TestLogsAndArtifactsAppendInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, baseTask("t1")))

	require.NoError(t, s.AddLog(ctx, apextask.Log{TaskID: "t1", Level: apextask.LogInfo, Message: "first"}))
	require.NoError(t, s.AddLog(ctx, apextask.Log{TaskID: "t1", Level: apextask.LogInfo, Message: "second"}))

	logs, err := s.ListLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
}

func TestGateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, baseTask("t1")))

	require.NoError(t, s.SetGate(ctx, apextask.Gate{TaskID: "t1", Name: "plan-review", Status: apextask.GatePending}))

	pending, err := s.GetPendingGates(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ApproveGate(ctx, "t1", "plan-review", "alice", "looks good"))

	pending, err = s.GetPendingGates(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := s.GetAllGates(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, apextask.GateApproved, all[0].Status)
	assert.Equal(t, "alice", all[0].Approver)
}

func TestCheckpointLatestByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, baseTask("t1")))

	require.NoError(t, s.SaveCheckpoint(ctx, apextask.Checkpoint{TaskID: "t1", CheckpointID: "c1", Stage: "plan", CreatedAt: fixedTime}))
	require.NoError(t, s.SaveCheckpoint(ctx, apextask.Checkpoint{TaskID: "t1", CheckpointID: "c2", Stage: "implement", CreatedAt: fixedTime.Add(time.Second)}))

	latest, err := s.GetLatestCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "c2", latest.CheckpointID)
	assert.Equal(t, "implement", latest.Stage)
}

func TestIterationHistoryAllowsUnknownTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AddIterationEntry(ctx, apextask.IterationEntry{ID: "ghost-iter-1", TaskID: "does-not-exist", Feedback: "refine"})
	assert.NoError(t, err)

	history, err := s.GetIterationHistory(ctx, "does-not-exist")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestMigrationIsIdempotent(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "apex.db")}
	cfg.SetDefaults()
	pool := config.NewDBPool()
	defer pool.Close()

	ctx := context.Background()
	s1, err := Open(ctx, pool, cfg)
	require.NoError(t, err)
	require.NoError(t, s1.CreateTask(ctx, baseTask("t1")))

	s2, err := Open(ctx, pool, cfg)
	require.NoError(t, err)

	got, err := s2.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
}
