package waves

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// memTaskStore is an in-memory TaskStore with atomic claim semantics.
type memTaskStore struct {
	mu        sync.Mutex
	tasks     map[string]*store.Task
	failCalls map[string]int
}

func newMemTaskStore(tasks ...store.Task) *memTaskStore {
	m := &memTaskStore{tasks: make(map[string]*store.Task), failCalls: make(map[string]int)}
	for i := range tasks {
		t := tasks[i]
		if t.State == "" {
			t.State = store.TaskPending
		}
		m.tasks[t.ID] = &t
	}
	return m
}

func (m *memTaskStore) CreateTask(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskStore) Claim(ctx context.Context, id, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.State != store.TaskPending {
		return false, nil
	}
	t.State = store.TaskClaimed
	now := time.Now()
	t.ClaimedAt = &now
	return true, nil
}

func (m *memTaskStore) Complete(ctx context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t.State != store.TaskClaimed {
		return fmt.Errorf("task %s not claimed", id)
	}
	t.State = store.TaskCompleted
	t.Result = result
	return nil
}

func (m *memTaskStore) Fail(ctx context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCalls[id]++
	t := m.tasks[id]
	if t.State != store.TaskClaimed {
		return fmt.Errorf("task %s not claimed", id)
	}
	t.State = store.TaskFailed
	t.Error = errMsg
	return nil
}

func (m *memTaskStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *memTaskStore) ListTasks(ctx context.Context, runID string) ([]store.Task, error) {
	return nil, nil
}

type memCheckpoints struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCheckpoints) SaveCheckpoint(ctx context.Context, runID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[runID] = data
	return nil
}

func (m *memCheckpoints) LoadCheckpoint(ctx context.Context, runID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.data[runID]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func task(id string, wave int) store.Task {
	return store.Task{ID: id, RunID: "run-1", AgentID: "agent-" + id, WaveNumber: wave, State: store.TaskPending}
}

func TestWaveFailForward(t *testing.T) {
	ts := newMemTaskStore(task("t1", 1), task("t2", 1), task("t3", 1), task("t4", 2))
	e := NewExecutor(ts, nil)

	waves := []Wave{
		{Number: 1, Tasks: []store.Task{task("t1", 1), task("t2", 1), task("t3", 1)}},
		{Number: 2, Tasks: []store.Task{task("t4", 2)}},
	}
	results, err := e.Run(context.Background(), "run-1", waves, func(ctx context.Context, tk store.Task) (string, error) {
		if tk.ID == "t2" {
			return "", fmt.Errorf("exploded")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 2, results[0].Completed)
	assert.Equal(t, 1, results[0].Failed)
	assert.Equal(t, 1, results[1].Completed, "wave 2 ran despite wave 1 failure")
	assert.Equal(t, 1, ts.failCalls["t2"], "failTask called exactly once")

	got, err := ts.GetTask(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.State)
}

func TestWavesRunSequentially(t *testing.T) {
	ts := newMemTaskStore(task("a", 1), task("b", 2))
	e := NewExecutor(ts, nil)

	var order []string
	var mu sync.Mutex
	waves := []Wave{
		{Number: 2, Tasks: []store.Task{task("b", 2)}},
		{Number: 1, Tasks: []store.Task{task("a", 1)}},
	}
	_, err := e.Run(context.Background(), "run-1", waves, func(ctx context.Context, tk store.Task) (string, error) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order, "waves sorted ascending regardless of input order")
}

func TestLostClaimSkips(t *testing.T) {
	ts := newMemTaskStore(task("t1", 1))
	// another executor already claimed t1
	_, err := ts.Claim(context.Background(), "t1", "rival")
	require.NoError(t, err)

	e := NewExecutor(ts, nil)
	results, err := e.Run(context.Background(), "run-1", []Wave{{Number: 1, Tasks: []store.Task{task("t1", 1)}}},
		func(ctx context.Context, tk store.Task) (string, error) {
			t.Fatal("skipped task must not execute")
			return "", nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Skipped)
	assert.Equal(t, store.TaskSkipped, results[0].Results[0].Status)
}

func TestTasksInWaveRunConcurrently(t *testing.T) {
	ts := newMemTaskStore(task("t1", 1), task("t2", 1))
	e := NewExecutor(ts, nil)

	gate := make(chan struct{})
	_, err := e.Run(context.Background(), "run-1",
		[]Wave{{Number: 1, Tasks: []store.Task{task("t1", 1), task("t2", 1)}}},
		func(ctx context.Context, tk store.Task) (string, error) {
			// both tasks must be in flight for either to proceed
			select {
			case gate <- struct{}{}:
			case <-gate:
			}
			return "ok", nil
		})
	require.NoError(t, err)
}

func TestCheckpointAndResume(t *testing.T) {
	ts := newMemTaskStore(task("t1", 1), task("t2", 2))
	cp := &memCheckpoints{}
	e := NewExecutor(ts, cp)

	last, err := e.Resume(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, -1, last)

	waves := []Wave{
		{Number: 1, Tasks: []store.Task{task("t1", 1)}},
		{Number: 2, Tasks: []store.Task{task("t2", 2)}},
	}
	_, err = e.Run(context.Background(), "run-1", waves, func(ctx context.Context, tk store.Task) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	last, err = e.Resume(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, last)
}

func TestRunStopsOnCancel(t *testing.T) {
	ts := newMemTaskStore(task("t1", 1), task("t2", 2))
	e := NewExecutor(ts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	waves := []Wave{
		{Number: 1, Tasks: []store.Task{task("t1", 1)}},
		{Number: 2, Tasks: []store.Task{task("t2", 2)}},
	}
	results, err := e.Run(ctx, "run-1", waves, func(ctx context.Context, tk store.Task) (string, error) {
		cancel() // cancel during wave 1
		return "ok", nil
	})
	require.Error(t, err)
	assert.Len(t, results, 1, "wave 2 never started")
}
