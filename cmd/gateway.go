package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/channels/discord"
	"github.com/nextlevelbuilder/swarmgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/swarmgate/internal/channels/wsgw"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/delegate"
	"github.com/nextlevelbuilder/swarmgate/internal/dispatch"
	"github.com/nextlevelbuilder/swarmgate/internal/enforce"
	"github.com/nextlevelbuilder/swarmgate/internal/maintenance"
	"github.com/nextlevelbuilder/swarmgate/internal/persona"
	"github.com/nextlevelbuilder/swarmgate/internal/pool"
	"github.com/nextlevelbuilder/swarmgate/internal/queue"
	"github.com/nextlevelbuilder/swarmgate/internal/routing"
	"github.com/nextlevelbuilder/swarmgate/internal/telemetry"
	"github.com/nextlevelbuilder/swarmgate/internal/ultrawork"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the orchestration gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Agents) == 0 {
		slog.Error("no agents configured; run: swarmgate onboard")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutCtx); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	msgBus := bus.NewMessageBus()
	personas := persona.NewLoader(cfg)

	procPool := pool.New(pool.Config{
		IdleTimeout: time.Duration(cfg.Pools.IdleTimeoutMs) * time.Millisecond,
		HungTimeout: time.Duration(cfg.Pools.HungTimeoutMs) * time.Millisecond,
		Events:      msgBus,
	})
	agentMgr := pool.NewManager(pool.ManagerConfig{
		Config:      cfg,
		Personas:    personas,
		Pool:        procPool,
		Events:      msgBus,
		IdleTimeout: time.Duration(cfg.Pools.ManagerIdleTimeoutMs) * time.Millisecond,
	})
	queues := queue.New(queue.Config{
		MaxSize: cfg.Queue.MaxSize,
		TTL:     time.Duration(cfg.Queue.TTLMs) * time.Millisecond,
	})
	selector := routing.NewSelector(cfg, msgBus)
	delegates := delegate.NewManager(cfg, msgBus)
	pipeline := enforce.NewPipeline(cfg, msgBus)
	ultra := ultrawork.NewController(cfg, delegates)

	dispatcher := dispatch.New(dispatch.Config{
		Cfg:       cfg,
		Router:    msgBus,
		Events:    msgBus,
		Selector:  selector,
		Manager:   agentMgr,
		Queues:    queues,
		Pipeline:  pipeline,
		Delegates: delegates,
		Ultra:     ultra,
	})

	channelMgr := channels.NewManager(cfg, msgBus)
	registerChannels(cfg, msgBus, channelMgr)

	// live reload: category regexes, enforcement stages and the persona
	// cache follow the file
	watcher := config.NewWatcher(cfgPath, cfg)
	watcher.OnReload(func(*config.Config) {
		selector.ReloadCategories()
		pipeline.Reload()
		personas.InvalidateAll()
		slog.Info("configuration reloaded", "path", cfgPath)
	})
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	sweeper := maintenance.New(cfg, agentMgr, queues)
	go sweeper.Run(ctx)

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dispatcher stopped", "error", err)
		}
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("swarmgate running", "version", Version, "agents", len(cfg.Agents))
	<-ctx.Done()

	slog.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	channelMgr.StopAll(shutCtx)
	agentMgr.StopAll()
}

// registerChannels wires each enabled gateway adapter.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager) {
	if cfg.Gateways.Discord.Enabled {
		if cfg.Gateways.Discord.Token == "" {
			slog.Warn("discord enabled but SWARMGATE_DISCORD_TOKEN is not set")
		} else if ch, err := discord.New(cfg, msgBus); err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if cfg.Gateways.Telegram.Enabled {
		if cfg.Gateways.Telegram.Token == "" {
			slog.Warn("telegram enabled but SWARMGATE_TELEGRAM_TOKEN is not set")
		} else if ch, err := telegram.New(cfg, msgBus); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if cfg.Gateways.WebSocket.Enabled {
		mgr.Register(wsgw.New(cfg, msgBus))
	}
}
