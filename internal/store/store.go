// Package store defines the durable interfaces behind the wave executor:
// task state with atomic claiming, and checkpoints for plan resumption.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// TaskState is the monotonic task state machine:
// pending -> claimed -> (completed | failed). Skipped is a terminal status
// recorded by the caller when a claim is lost, never a row transition.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// Task is one unit of work inside a wave.
type Task struct {
	ID          string
	RunID       string
	AgentID     string
	WaveNumber  int
	Prompt      string
	State       TaskState
	Result      string
	Error       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// TaskStore persists task state. Claim MUST be atomic: of two concurrent
// claims for the same task, exactly one observes true.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	Claim(ctx context.Context, id, agentID string) (bool, error)
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id, errMsg string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, runID string) ([]Task, error)
}

// CheckpointStore persists opaque per-run progress snapshots so interrupted
// plans can resume.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, runID string, data []byte) error
	LoadCheckpoint(ctx context.Context, runID string) ([]byte, error)
}
