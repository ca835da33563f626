package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a config with the documented defaults filled in.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agents: map[string]*AgentConfig{},
		LoopPrevention: LoopPreventionConfig{
			MaxChainLength:   3,
			GlobalCooldownMs: 2000,
			ChainWindowMs:    60000,
		},
		UltraWork: UltraWorkConfig{
			Enabled:         false,
			TriggerKeywords: []string{"ultrawork", "울트라워크"},
			MaxSteps:        20,
			MaxDurationMs:   1_800_000,
			StepTimeoutMs:   300_000,
		},
		Enforcement: EnforcementConfig{
			ResponseValidator: ResponseValidatorConfig{
				FlatteryThreshold: 0.2,
				MaxRetries:        2,
			},
			ReviewGate: ReviewGateConfig{
				DowngradeAfterRetries: 2,
			},
			ScopeGuard: ScopeGuardConfig{
				ViolationThreshold: 3,
			},
		},
		Pools: PoolConfig{
			IdleTimeoutMs:        600_000,
			ManagerIdleTimeoutMs: 300_000,
			HungTimeoutMs:        900_000,
		},
		Queue: QueueConfig{
			MaxSize: 5,
			TTLMs:   180_000,
		},
		Gateways: GatewaysConfig{
			SendRatePerMinute: 20,
			WebSocket: WebSocketConfig{
				Host: "0.0.0.0",
				Port: 18890,
			},
		},
		Database: DatabaseConfig{
			SQLitePath: filepath.Join(home, ".swarmgate", "swarmgate.db"),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "swarmgate",
		},
		Maintenance: MaintenanceConfig{
			SweepCron: "* * * * *",
		},
		Personas: PersonasConfig{
			Dir: filepath.Join(home, ".swarmgate", "personas"),
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if p := os.Getenv("SWARMGATE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".swarmgate", "config.json5")
}

// Load reads a JSON5 config file, overlays environment variables, and
// validates. A missing file yields the defaults (env overlay still applies).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides layers SWARMGATE_* environment variables over the file.
// Secrets (tokens, DSNs) are env-only and never read from the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARMGATE_DISCORD_TOKEN"); v != "" {
		cfg.Gateways.Discord.Token = v
	}
	if v := os.Getenv("SWARMGATE_TELEGRAM_TOKEN"); v != "" {
		cfg.Gateways.Telegram.Token = v
	}
	if v := os.Getenv("SWARMGATE_WS_TOKEN"); v != "" {
		cfg.Gateways.WebSocket.Token = v
	}
	if v := os.Getenv("SWARMGATE_POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("SWARMGATE_SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("SWARMGATE_DEFAULT_AGENT"); v != "" {
		cfg.DefaultAgent = v
	}
	if v := os.Getenv("SWARMGATE_PERSONAS_DIR"); v != "" {
		cfg.Personas.Dir = v
	}
	if v := os.Getenv("SWARMGATE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("SWARMGATE_FREE_CHAT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FreeChat = b
		}
	}
	if v := os.Getenv("SWARMGATE_MULTI_AGENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MultiAgent = &b
		}
	}
	if v := os.Getenv("SWARMGATE_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateways.WebSocket.Port = n
		}
	}
}
