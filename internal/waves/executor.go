// Package waves executes dependency-ordered task plans: waves run
// sequentially, tasks inside a wave run concurrently with atomic claiming
// and fail-forward semantics.
package waves

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// Wave is one group of tasks intended to run concurrently.
type Wave struct {
	Number int
	Tasks  []store.Task
}

// TaskResult is the observed outcome of one task in a wave.
type TaskResult struct {
	TaskID  string
	AgentID string
	Status  store.TaskState
	Result  string
	Error   string
}

// WaveResult aggregates one wave.
type WaveResult struct {
	Number    int
	Results   []TaskResult
	Completed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// ExecFunc runs one claimed task and returns its result text.
type ExecFunc func(ctx context.Context, task store.Task) (string, error)

// Executor drives a plan against the task store.
type Executor struct {
	tasks       store.TaskStore
	checkpoints store.CheckpointStore // optional
}

// NewExecutor creates a wave executor. checkpoints may be nil.
func NewExecutor(tasks store.TaskStore, checkpoints store.CheckpointStore) *Executor {
	return &Executor{tasks: tasks, checkpoints: checkpoints}
}

// checkpoint is the persisted progress snapshot after each wave.
type checkpoint struct {
	RunID     string       `json:"run_id"`
	LastWave  int          `json:"last_wave"`
	Waves     []WaveResult `json:"waves"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Run executes the plan's waves in ascending order. A failed task never
// cancels its siblings, and the next wave starts regardless of failures.
// Context cancellation stops between tasks and waves.
func (e *Executor) Run(ctx context.Context, runID string, waves []Wave, exec ExecFunc) ([]WaveResult, error) {
	sorted := make([]Wave, len(waves))
	copy(sorted, waves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var out []WaveResult
	for _, wave := range sorted {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		wr := e.runWave(ctx, wave, exec)
		out = append(out, wr)
		slog.Info("wave finished", "run", runID, "wave", wave.Number,
			"completed", wr.Completed, "failed", wr.Failed, "skipped", wr.Skipped, "duration", wr.Duration)
		e.saveCheckpoint(ctx, runID, wave.Number, out)
	}
	return out, nil
}

// runWave executes one wave's tasks concurrently. Each goroutine claims its
// task first; losing the claim means another executor owns it and the task
// is reported skipped. Failures are recorded in the result vector, never
// returned, so siblings always run to completion.
func (e *Executor) runWave(ctx context.Context, wave Wave, exec ExecFunc) WaveResult {
	start := time.Now()
	results := make([]TaskResult, len(wave.Tasks))
	var mu sync.Mutex

	g := new(errgroup.Group)
	for i, task := range wave.Tasks {
		i, task := i, task
		g.Go(func() error {
			res := e.runTask(ctx, task, exec)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	wr := WaveResult{Number: wave.Number, Results: results, Duration: time.Since(start)}
	for _, r := range results {
		switch r.Status {
		case store.TaskCompleted:
			wr.Completed++
		case store.TaskFailed:
			wr.Failed++
		case store.TaskSkipped:
			wr.Skipped++
		}
	}
	return wr
}

func (e *Executor) runTask(ctx context.Context, task store.Task, exec ExecFunc) TaskResult {
	res := TaskResult{TaskID: task.ID, AgentID: task.AgentID}

	claimed, err := e.tasks.Claim(ctx, task.ID, task.AgentID)
	if err != nil {
		res.Status = store.TaskFailed
		res.Error = err.Error()
		return res
	}
	if !claimed {
		res.Status = store.TaskSkipped
		return res
	}

	out, err := exec(ctx, task)
	if err != nil {
		res.Status = store.TaskFailed
		res.Error = err.Error()
		if ferr := e.tasks.Fail(ctx, task.ID, err.Error()); ferr != nil {
			slog.Warn("fail-task write failed", "task", task.ID, "error", ferr)
		}
		return res
	}

	res.Status = store.TaskCompleted
	res.Result = out
	if cerr := e.tasks.Complete(ctx, task.ID, out); cerr != nil {
		slog.Warn("complete-task write failed", "task", task.ID, "error", cerr)
	}
	return res
}

func (e *Executor) saveCheckpoint(ctx context.Context, runID string, lastWave int, waves []WaveResult) {
	if e.checkpoints == nil {
		return
	}
	data, err := json.Marshal(checkpoint{RunID: runID, LastWave: lastWave, Waves: waves, UpdatedAt: time.Now()})
	if err != nil {
		return
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, runID, data); err != nil {
		slog.Warn("checkpoint save failed", "run", runID, "error", err)
	}
}

// Resume returns the last completed wave number for a run, or -1 when no
// checkpoint exists. Callers slice their wave list accordingly.
func (e *Executor) Resume(ctx context.Context, runID string) (int, error) {
	if e.checkpoints == nil {
		return -1, nil
	}
	data, err := e.checkpoints.LoadCheckpoint(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return -1, nil
		}
		return -1, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return -1, err
	}
	return cp.LastWave, nil
}
