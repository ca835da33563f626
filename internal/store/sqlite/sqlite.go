// Package sqlite implements the task and checkpoint stores on an embedded
// SQLite database (WAL mode, synchronous=NORMAL).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DSN builds the connection string for a database file: WAL journal,
// synchronous=NORMAL, 5s busy timeout.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
}

// OpenRaw opens (creating if needed) the database at path without touching
// the schema. Used by the migrate command.
func OpenRaw(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; WAL readers don't block
	db.SetMaxOpenConns(1)
	return db, nil
}

// Open opens the database at path and applies pending migrations.
func Open(path string) (*sql.DB, error) {
	db, err := OpenRaw(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrator builds a migrate instance over the embedded migration files.
func Migrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	return m, nil
}

// Migrate applies embedded migrations to db.
func Migrate(db *sql.DB) error {
	m, err := Migrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// TaskStore is the SQLite store.TaskStore implementation.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore wraps an open database.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// CreateTask inserts a pending task, assigning an ID when empty.
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.AgentID, t.WaveNumber, t.Prompt, t.State, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Claim atomically moves a pending task to claimed. Exactly one of two
// concurrent claims observes true.
func (s *TaskStore) Claim(ctx context.Context, id, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, agent_id = ?, claimed_at = ?
		 WHERE id = ? AND state = ?`,
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

// Complete marks a claimed task completed.
func (s *TaskStore) Complete(ctx context.Context, id, result string) error {
	return s.finish(ctx, id, store.TaskCompleted, result, "")
}

// Fail marks a claimed task failed.
func (s *TaskStore) Fail(ctx context.Context, id, errMsg string) error {
	return s.finish(ctx, id, store.TaskFailed, "", errMsg)
}

func (s *TaskStore) finish(ctx context.Context, id string, state store.TaskState, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, result = ?, error = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
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

// GetTask loads one task.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, agent_id, wave_number, prompt, state, result, error, created_at, claimed_at, completed_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

// ListTasks loads a run's tasks ordered by wave then creation.
func (s *TaskStore) ListTasks(ctx context.Context, runID string) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, agent_id, wave_number, prompt, state, result, error, created_at, claimed_at, completed_at
		 FROM tasks WHERE run_id = ? ORDER BY wave_number, created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*store.Task, error) {
	var t store.Task
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.RunID, &t.AgentID, &t.WaveNumber, &t.Prompt,
		&t.State, &t.Result, &t.Error, &t.CreatedAt, &claimedAt, &completedAt)
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

// CheckpointStore is the SQLite store.CheckpointStore implementation.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore wraps an open database.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// SaveCheckpoint upserts the run's progress snapshot.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, runID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		runID, data, time.Now())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the run's snapshot, or ErrNotFound.
func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, runID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}
