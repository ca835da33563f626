package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

func openTestStore(t *testing.T) (*TaskStore, *CheckpointStore) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTaskStore(db), NewCheckpointStore(db)
}

func TestTaskLifecycle(t *testing.T) {
	tasks, _ := openTestStore(t)
	ctx := context.Background()

	task := &store.Task{RunID: "run-1", AgentID: "backend", WaveNumber: 1, Prompt: "build it"}
	require.NoError(t, tasks.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	ok, err := tasks.Claim(ctx, task.ID, "backend")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second claim loses
	ok, err = tasks.Claim(ctx, task.ID, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tasks.Complete(ctx, task.ID, "done"))

	got, err := tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.State)
	assert.Equal(t, "done", got.Result)
	assert.Equal(t, "backend", got.AgentID)
	assert.NotNil(t, got.ClaimedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompleteRequiresClaim(t *testing.T) {
	tasks, _ := openTestStore(t)
	ctx := context.Background()

	task := &store.Task{RunID: "run-1", AgentID: "a", WaveNumber: 1}
	require.NoError(t, tasks.CreateTask(ctx, task))
	assert.Error(t, tasks.Complete(ctx, task.ID, "nope"), "pending -> completed is not a legal transition")

	_, err := tasks.Claim(ctx, task.ID, "a")
	require.NoError(t, err)
	require.NoError(t, tasks.Fail(ctx, task.ID, "boom"))

	got, err := tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.State)
	assert.Equal(t, "boom", got.Error)
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	tasks, _ := openTestStore(t)
	ctx := context.Background()

	task := &store.Task{RunID: "run-1", AgentID: "a", WaveNumber: 1}
	require.NoError(t, tasks.CreateTask(ctx, task))

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tasks.Claim(ctx, task.ID, "racer")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestListTasksOrdering(t *testing.T) {
	tasks, _ := openTestStore(t)
	ctx := context.Background()

	for _, wave := range []int{2, 1, 1} {
		require.NoError(t, tasks.CreateTask(ctx, &store.Task{RunID: "run-1", AgentID: "a", WaveNumber: wave}))
	}
	require.NoError(t, tasks.CreateTask(ctx, &store.Task{RunID: "run-2", AgentID: "a", WaveNumber: 1}))

	got, err := tasks.ListTasks(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].WaveNumber)
	assert.Equal(t, 2, got[2].WaveNumber)
}

func TestGetTaskNotFound(t *testing.T) {
	tasks, _ := openTestStore(t)
	_, err := tasks.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpointRoundTrip(t *testing.T) {
	_, checkpoints := openTestStore(t)
	ctx := context.Background()

	_, err := checkpoints.LoadCheckpoint(ctx, "run-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, checkpoints.SaveCheckpoint(ctx, "run-1", []byte(`{"wave":1}`)))
	require.NoError(t, checkpoints.SaveCheckpoint(ctx, "run-1", []byte(`{"wave":2}`)))

	data, err := checkpoints.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, `{"wave":2}`, string(data))
}
