package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/persona"
	"github.com/nextlevelbuilder/swarmgate/internal/pool"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/store/pg"
	"github.com/nextlevelbuilder/swarmgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/swarmgate/internal/waves"
)

// planFile is the on-disk wave plan format.
type planFile struct {
	RunID string `json:"run_id,omitempty"`
	Waves []struct {
		Wave  int `json:"wave"`
		Tasks []struct {
			Agent  string `json:"agent"`
			Prompt string `json:"prompt"`
		} `json:"tasks"`
	} `json:"waves"`
}

func swarmCmd() *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "swarm <plan.json5>",
		Short: "Execute a wave plan: waves sequentially, tasks in a wave concurrently",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runSwarm(args[0], resume); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "skip waves already checkpointed for this run_id")
	return cmd
}

func runSwarm(planPath string, resume bool) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var plan planFile
	if err := json5.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("parse plan %s: %w", planPath, err)
	}
	if len(plan.Waves) == 0 {
		return fmt.Errorf("plan has no waves")
	}
	for _, w := range plan.Waves {
		for _, t := range w.Tasks {
			if cfg.Agent(t.Agent) == nil {
				return fmt.Errorf("plan references unknown agent %q", t.Agent)
			}
		}
	}
	runID := plan.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, tasks, checkpoints, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	executor := waves.NewExecutor(tasks, checkpoints)

	skipThrough := -1
	if resume {
		last, err := executor.Resume(ctx, runID)
		if err != nil {
			return fmt.Errorf("resume run %s: %w", runID, err)
		}
		skipThrough = last
		if last >= 0 {
			slog.Info("resuming run", "run", runID, "last_completed_wave", last)
		}
	}

	// persist the plan as pending tasks, then hand it to the executor
	var planWaves []waves.Wave
	for _, w := range plan.Waves {
		if w.Wave <= skipThrough {
			continue
		}
		wave := waves.Wave{Number: w.Wave}
		for _, t := range w.Tasks {
			task := store.Task{
				RunID:      runID,
				AgentID:    t.Agent,
				WaveNumber: w.Wave,
				Prompt:     t.Prompt,
			}
			if err := tasks.CreateTask(ctx, &task); err != nil {
				return fmt.Errorf("persist task: %w", err)
			}
			wave.Tasks = append(wave.Tasks, task)
		}
		planWaves = append(planWaves, wave)
	}
	sort.Slice(planWaves, func(i, j int) bool { return planWaves[i].Number < planWaves[j].Number })

	msgBus := bus.NewMessageBus()
	agentMgr := pool.NewManager(pool.ManagerConfig{
		Config:   cfg,
		Personas: persona.NewLoader(cfg),
		Pool: pool.New(pool.Config{
			IdleTimeout: time.Duration(cfg.Pools.IdleTimeoutMs) * time.Millisecond,
			HungTimeout: time.Duration(cfg.Pools.HungTimeoutMs) * time.Millisecond,
			Events:      msgBus,
		}),
		Events: msgBus,
	})
	defer agentMgr.StopAll()

	results, err := executor.Run(ctx, runID, planWaves, func(ctx context.Context, task store.Task) (string, error) {
		return runTask(ctx, agentMgr, runID, task)
	})
	if err != nil {
		return err
	}

	fmt.Printf("run %s: %d waves\n", runID, len(results))
	for _, wr := range results {
		fmt.Printf("  wave %d: %d completed, %d failed, %d skipped (%s)\n",
			wr.Number, wr.Completed, wr.Failed, wr.Skipped, wr.Duration.Round(time.Millisecond))
		for _, tr := range wr.Results {
			if tr.Error != "" {
				fmt.Printf("    [%s] %s: %s\n", tr.Status, tr.AgentID, tr.Error)
			}
		}
	}
	return nil
}

// agentRunner is the slice of the process manager the task runner needs.
type agentRunner interface {
	Get(ctx context.Context, source, channelID, agentID string) (runtime.Runtime, bool, error)
	Release(agentID string, rt runtime.Runtime)
}

// contentionRetryDelay paces retries when an agent's pool or runtime is
// occupied by another task in the same wave.
var contentionRetryDelay = time.Second

// runTask executes one wave task, waiting out pool and runtime contention so
// same-wave tasks on the same agent serialize instead of failing.
func runTask(ctx context.Context, mgr agentRunner, runID string, task store.Task) (string, error) {
	for {
		rt, _, err := mgr.Get(ctx, "swarm", runID, task.AgentID)
		if err != nil {
			if errors.Is(err, pool.ErrPoolFull) {
				if err := waitContention(ctx); err != nil {
					return "", err
				}
				continue
			}
			return "", err
		}
		reply, err := rt.Send(ctx, task.Prompt)
		mgr.Release(task.AgentID, rt)
		if err != nil {
			if errors.Is(err, runtime.ErrBusy) {
				if err := waitContention(ctx); err != nil {
					return "", err
				}
				continue
			}
			return "", err
		}
		return reply.Response, nil
	}
}

func waitContention(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(contentionRetryDelay):
		return nil
	}
}

// openStores selects Postgres when a DSN is configured, SQLite otherwise.
func openStores(cfg *config.Config) (*sql.DB, store.TaskStore, store.CheckpointStore, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := pg.OpenDB(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.EnsureSchema(context.Background(), db); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return db, pg.NewTaskStore(db), pg.NewCheckpointStore(db), nil
	}
	db, err := sqlite.Open(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, nil, err
	}
	return db, sqlite.NewTaskStore(db), sqlite.NewCheckpointStore(db), nil
}
