// Package pg implements the task and checkpoint stores on Postgres for
// deployments that already run one; SQLite remains the default.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// OpenDB opens a pooled Postgres connection and verifies it.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables when missing. Postgres deployments manage
// schema out of band; this keeps first-run friction low.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			run_id       TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			wave_number  INTEGER NOT NULL,
			prompt       TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL DEFAULT 'pending',
			result       TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			claimed_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_run_wave ON tasks(run_id, wave_number);
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id     TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TaskStore is the Postgres store.TaskStore implementation.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore wraps an open database.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

func (s *TaskStore) CreateTask(ctx context.Context, t *store.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = store.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, run_id, agent_id, wave_number, prompt, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.RunID, t.AgentID, t.WaveNumber, t.Prompt, t.State, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Claim(ctx context.Context, id, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = $1, agent_id = $2, claimed_at = $3
		 WHERE id = $4 AND state = $5`,
		store.TaskClaimed, agentID, time.Now(), id, store.TaskPending)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *TaskStore) Complete(ctx context.Context, id, result string) error {
	return s.finish(ctx, id, store.TaskCompleted, result, "")
}

func (s *TaskStore) Fail(ctx context.Context, id, errMsg string) error {
	return s.finish(ctx, id, store.TaskFailed, "", errMsg)
}

func (s *TaskStore) finish(ctx context.Context, id string, state store.TaskState, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = $1, result = $2, error = $3, completed_at = $4
		 WHERE id = $5 AND state = $6`,
		state, result, errMsg, time.Now(), id, store.TaskClaimed)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s is not claimed", id)
	}
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, agent_id, wave_number, prompt, state, result, error, created_at, claimed_at, completed_at
		 FROM tasks WHERE id = $1`, id)
	var t store.Task
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.RunID, &t.AgentID, &t.WaveNumber, &t.Prompt,
		&t.State, &t.Result, &t.Error, &t.CreatedAt, &claimedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func (s *TaskStore) ListTasks(ctx context.Context, runID string) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, agent_id, wave_number, prompt, state, result, error, created_at, claimed_at, completed_at
		 FROM tasks WHERE run_id = $1 ORDER BY wave_number, created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		var t store.Task
		var claimedAt, completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.RunID, &t.AgentID, &t.WaveNumber, &t.Prompt,
			&t.State, &t.Result, &t.Error, &t.CreatedAt, &claimedAt, &completedAt); err != nil {
			return nil, err
		}
		if claimedAt.Valid {
			t.ClaimedAt = &claimedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CheckpointStore is the Postgres store.CheckpointStore implementation.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore wraps an open database.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, runID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		runID, data, time.Now())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, runID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}
