// Package maintenance runs the background sweeps: idle and hung runtimes,
// expired queue entries.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/pool"
	"github.com/nextlevelbuilder/swarmgate/internal/queue"
)

const defaultSweepCron = "* * * * *"

// Sweeper drives periodic maintenance on a cron schedule.
type Sweeper struct {
	cfg    *config.Config
	agents *pool.Manager
	queues *queue.Queue
}

// New creates a sweeper.
func New(cfg *config.Config, agents *pool.Manager, queues *queue.Queue) *Sweeper {
	return &Sweeper{cfg: cfg, agents: agents, queues: queues}
}

// Run ticks once a minute and sweeps whenever the configured cron expression
// is due. Blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	gron := gronx.New()
	expr := s.cfg.Maintenance.SweepCron
	if expr == "" {
		expr = defaultSweepCron
	}
	if !gron.IsValid(expr) {
		slog.Warn("invalid sweep cron, using default", "cron", expr)
		expr = defaultSweepCron
	}
	slog.Info("maintenance sweeper started", "cron", expr)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(expr, time.Now())
			if err != nil || !due {
				continue
			}
			s.Sweep()
		}
	}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep() {
	idle := s.agents.SweepIdle()
	hung := s.agents.SweepHung()
	expired := s.queues.ClearExpired()
	if idle+hung+expired > 0 {
		slog.Info("maintenance sweep", "idle_stopped", idle, "hung_stopped", hung, "expired_dropped", expired)
	}
}
