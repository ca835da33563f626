package config

import (
	"fmt"
	"sort"
	"sync"
)

// Config is the root configuration for the swarmgate orchestrator.
type Config struct {
	Agents           map[string]*AgentConfig    `json:"agents"`
	LoopPrevention   LoopPreventionConfig       `json:"loop_prevention"`
	DefaultAgent     string                     `json:"default_agent,omitempty"`
	ChannelOverrides map[string]ChannelOverride `json:"channel_overrides,omitempty"`
	Categories       []CategoryConfig           `json:"categories,omitempty"`
	FreeChat         bool                       `json:"free_chat,omitempty"`
	MultiAgent       *bool                      `json:"multi_agent,omitempty"` // nil = enabled
	UltraWork        UltraWorkConfig            `json:"ultrawork,omitempty"`
	Enforcement      EnforcementConfig          `json:"enforcement,omitempty"`
	Pools            PoolConfig                 `json:"pools,omitempty"`
	Queue            QueueConfig                `json:"queue,omitempty"`
	Gateways         GatewaysConfig             `json:"gateways,omitempty"`
	Database         DatabaseConfig             `json:"database,omitempty"`
	Telemetry        TelemetryConfig            `json:"telemetry,omitempty"`
	Maintenance      MaintenanceConfig          `json:"maintenance,omitempty"`
	Personas         PersonasConfig             `json:"personas,omitempty"`

	mu sync.RWMutex
}

// AgentConfig is the static configuration for one agent.
type AgentConfig struct {
	DisplayName   string   `json:"display_name,omitempty"`
	TriggerPrefix string   `json:"trigger_prefix,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	PersonaFile   string   `json:"persona_file,omitempty"`
	Tier          int      `json:"tier,omitempty"`     // 1 = delegator, 2/3 = restricted (default 1)
	CanDelegate   bool     `json:"can_delegate,omitempty"`
	PoolSize      int      `json:"pool_size,omitempty"` // >= 1, default 1
	CooldownMs    int64    `json:"cooldown_ms,omitempty"`
	Model         string   `json:"model,omitempty"`
	Backend       string   `json:"backend,omitempty"` // "claude", "codex", "gemini"
	Enabled       *bool    `json:"enabled,omitempty"` // nil = enabled
	ToolPermissions *ToolPermissions `json:"tool_permissions,omitempty"`
}

// ToolPermissions narrows the tool surface a runtime is started with.
type ToolPermissions struct {
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// IsEnabled treats nil as enabled.
func (a *AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// EffectiveCooldownMs returns the per-agent cooldown, defaulting to 5000.
func (a *AgentConfig) EffectiveCooldownMs() int64 {
	if a.CooldownMs > 0 {
		return a.CooldownMs
	}
	return 5000
}

// EffectivePoolSize returns the pool size, defaulting to 1.
func (a *AgentConfig) EffectivePoolSize() int {
	if a.PoolSize > 0 {
		return a.PoolSize
	}
	return 1
}

// EffectiveTier returns the tier, defaulting to 1.
func (a *AgentConfig) EffectiveTier() int {
	if a.Tier >= 1 && a.Tier <= 3 {
		return a.Tier
	}
	return 1
}

// LoopPreventionConfig bounds agent-to-agent response chains.
type LoopPreventionConfig struct {
	MaxChainLength   int   `json:"max_chain_length,omitempty"`  // default 3
	GlobalCooldownMs int64 `json:"global_cooldown_ms,omitempty"` // default 2000
	ChainWindowMs    int64 `json:"chain_window_ms,omitempty"`    // default 60000
}

// ChannelOverride narrows routing behaviour for one channel.
type ChannelOverride struct {
	AllowedAgents  []string `json:"allowed_agents,omitempty"`
	DisabledAgents []string `json:"disabled_agents,omitempty"`
	DefaultAgent   string   `json:"default_agent,omitempty"`
	ChainLimit     int      `json:"chain_limit,omitempty"` // 0 = use global max_chain_length
}

// CategoryConfig routes messages matching any pattern to a set of agents.
type CategoryConfig struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority,omitempty"` // higher wins, default 0
	Patterns []string `json:"patterns"`
	AgentIDs []string `json:"agent_ids"`
}

// UltraWorkConfig bounds the autonomous multi-turn loop.
type UltraWorkConfig struct {
	Enabled         bool     `json:"enabled,omitempty"`
	TriggerKeywords []string `json:"trigger_keywords,omitempty"`
	MaxSteps        int      `json:"max_steps,omitempty"`     // default 20
	MaxDurationMs   int64    `json:"max_duration,omitempty"`  // default 1_800_000
	StepTimeoutMs   int64    `json:"step_timeout,omitempty"`  // default 300_000
}

// EnforcementConfig controls the response quality pipeline.
type EnforcementConfig struct {
	Enabled           *bool                   `json:"enabled,omitempty"` // nil = enabled
	ResponseValidator ResponseValidatorConfig `json:"response_validator,omitempty"`
	ReviewGate        ReviewGateConfig        `json:"review_gate,omitempty"`
	ScopeGuard        ScopeGuardConfig        `json:"scope_guard,omitempty"`
	TodoTracker       TodoTrackerConfig       `json:"todo_tracker,omitempty"`
	Patterns          PatternsConfig          `json:"patterns,omitempty"`
}

// IsEnabled treats nil as enabled.
func (e *EnforcementConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ResponseValidatorConfig tunes the flattery detector.
type ResponseValidatorConfig struct {
	Enabled           *bool   `json:"enabled,omitempty"`
	FlatteryThreshold float64 `json:"flattery_threshold,omitempty"` // default 0.2
	MaxRetries        int     `json:"max_retries,omitempty"`        // default 2
}

// ReviewGateConfig tunes evidence-gated approval.
type ReviewGateConfig struct {
	Enabled               *bool `json:"enabled,omitempty"`
	RequireEvidence       *bool `json:"require_evidence,omitempty"`
	DowngradeAfterRetries int   `json:"downgrade_after_retries,omitempty"` // default 2
}

// ScopeGuardConfig tunes the modified-files scope check.
type ScopeGuardConfig struct {
	Enabled            *bool `json:"enabled,omitempty"`
	ViolationThreshold int   `json:"violation_threshold,omitempty"` // default 3
}

// TodoTrackerConfig tunes incomplete-task reminders.
type TodoTrackerConfig struct {
	Enabled              *bool `json:"enabled,omitempty"`
	ReminderOnIncomplete *bool `json:"reminder_on_incomplete,omitempty"`
}

// PatternsConfig overrides the built-in token/pattern sets used by the
// enforcement stages. The pattern sets are data, not behaviour; empty slices
// mean "use defaults".
type PatternsConfig struct {
	Flattery       []string `json:"flattery,omitempty"`        // regexes counted by the flattery detector
	ApprovalTokens []string `json:"approval_tokens,omitempty"` // tokens that trip the review gate
	Evidence       []string `json:"evidence,omitempty"`        // regexes accepted as approval evidence
	Completion     []string `json:"completion_tokens,omitempty"`
}

// PoolConfig tunes per-agent process pools.
type PoolConfig struct {
	IdleTimeoutMs        int64 `json:"idle_timeout_ms,omitempty"`         // pool default 600_000
	ManagerIdleTimeoutMs int64 `json:"manager_idle_timeout_ms,omitempty"` // manager default 300_000
	HungTimeoutMs        int64 `json:"hung_timeout_ms,omitempty"`         // default 900_000
}

// QueueConfig tunes per-agent message queues.
type QueueConfig struct {
	MaxSize int   `json:"max_size,omitempty"` // default 5
	TTLMs   int64 `json:"ttl_ms,omitempty"`   // default 180_000
}

// GatewaysConfig configures the chat gateway adapters.
type GatewaysConfig struct {
	Discord           DiscordConfig   `json:"discord,omitempty"`
	Telegram          TelegramConfig  `json:"telegram,omitempty"`
	WebSocket         WebSocketConfig `json:"websocket,omitempty"`
	SendRatePerMinute int             `json:"send_rate_per_minute,omitempty"` // per-chat outbound pacing, default 20
}

// DiscordConfig configures the Discord gateway.
// Token comes from env SWARMGATE_DISCORD_TOKEN only (secret).
type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"`
}

// TelegramConfig configures the Telegram gateway.
// Token comes from env SWARMGATE_TELEGRAM_TOKEN only (secret).
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"`
}

// WebSocketConfig configures the mobile WebSocket gateway.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"` // default "0.0.0.0"
	Port    int    `json:"port,omitempty"` // default 18890
	Token   string `json:"-"`              // from env SWARMGATE_WS_TOKEN only
}

// DatabaseConfig selects the task/checkpoint store backend.
// PostgresDSN comes from env SWARMGATE_POSTGRES_DSN only (secret).
type DatabaseConfig struct {
	SQLitePath  string `json:"sqlite_path,omitempty"` // default "~/.swarmgate/swarmgate.db"
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "swarmgate"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MaintenanceConfig schedules background sweeps (pool idle/hung, queue TTL).
type MaintenanceConfig struct {
	SweepCron string `json:"sweep_cron,omitempty"` // cron expression, default "* * * * *"
}

// PersonasConfig locates persona files.
type PersonasConfig struct {
	Dir string `json:"dir,omitempty"` // default "~/.swarmgate/personas"
}

// MultiAgentEnabled treats nil as enabled.
func (c *Config) MultiAgentEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MultiAgent == nil || *c.MultiAgent
}

// FreeChatEnabled reports whether free chat mode is on.
func (c *Config) FreeChatEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FreeChat
}

// DefaultAgentID returns the global default agent, empty when unset.
func (c *Config) DefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultAgent
}

// The snapshot accessors below hand out section copies so hot paths never
// read struct fields while ReplaceFrom swaps them. Reloads replace whole
// sections and never mutate the slices behind a snapshot.

// LoopPreventionSnapshot returns the loop prevention knobs.
func (c *Config) LoopPreventionSnapshot() LoopPreventionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LoopPrevention
}

// CategorySnapshot returns the configured categories.
func (c *Config) CategorySnapshot() []CategoryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Categories
}

// EnforcementSnapshot returns the enforcement section.
func (c *Config) EnforcementSnapshot() EnforcementConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Enforcement
}

// UltraWorkSnapshot returns the ultrawork section.
func (c *Config) UltraWorkSnapshot() UltraWorkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UltraWork
}

// SendRate returns the per-chat outbound pacing knob.
func (c *Config) SendRate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateways.SendRatePerMinute
}

// Agent returns the config for an agent ID, or nil if unknown.
func (c *Config) Agent(id string) *AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agents[id]
}

// AgentIDs returns all configured agent IDs in stable order.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Override returns the channel override for a channel ID, or nil.
func (c *Config) Override(channelID string) *ChannelOverride {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ov, ok := c.ChannelOverrides[channelID]; ok {
		return &ov
	}
	return nil
}

// EffectiveChainLimit returns the chain limit for a channel: the channel
// override when set, the global max otherwise.
func (c *Config) EffectiveChainLimit(channelID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ov, ok := c.ChannelOverrides[channelID]; ok && ov.ChainLimit > 0 {
		return ov.ChainLimit
	}
	if c.LoopPrevention.MaxChainLength > 0 {
		return c.LoopPrevention.MaxChainLength
	}
	return 3
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
// Used by the config watcher on reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.LoopPrevention = src.LoopPrevention
	c.DefaultAgent = src.DefaultAgent
	c.ChannelOverrides = src.ChannelOverrides
	c.Categories = src.Categories
	c.FreeChat = src.FreeChat
	c.MultiAgent = src.MultiAgent
	c.UltraWork = src.UltraWork
	c.Enforcement = src.Enforcement
	c.Pools = src.Pools
	c.Queue = src.Queue
	c.Gateways = src.Gateways
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Maintenance = src.Maintenance
	c.Personas = src.Personas
}

// Validate rejects configurations the router cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, a := range c.Agents {
		if a == nil {
			return fmt.Errorf("agent %q: empty config", id)
		}
		if a.PoolSize < 0 {
			return fmt.Errorf("agent %q: pool_size must be >= 1", id)
		}
		if a.Tier != 0 && (a.Tier < 1 || a.Tier > 3) {
			return fmt.Errorf("agent %q: tier must be 1, 2 or 3", id)
		}
		switch a.Backend {
		case "", "claude", "codex", "gemini":
		default:
			return fmt.Errorf("agent %q: unknown backend %q", id, a.Backend)
		}
	}
	if c.DefaultAgent != "" {
		if _, ok := c.Agents[c.DefaultAgent]; !ok {
			return fmt.Errorf("default_agent %q is not a configured agent", c.DefaultAgent)
		}
	}
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return fmt.Errorf("category with empty name")
		}
		if len(cat.Patterns) == 0 {
			return fmt.Errorf("category %q: no patterns", cat.Name)
		}
		for _, aid := range cat.AgentIDs {
			if _, ok := c.Agents[aid]; !ok {
				return fmt.Errorf("category %q: unknown agent %q", cat.Name, aid)
			}
		}
	}
	return nil
}
