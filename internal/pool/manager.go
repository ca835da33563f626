package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/persona"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
)

// ChannelKey identifies the exclusive runtime binding for one agent in one
// conversation.
type ChannelKey struct {
	Source    string
	ChannelID string
	AgentID   string
}

func (k ChannelKey) String() string {
	return k.Source + "|" + k.ChannelID + "|" + k.AgentID
}

// readOnlyTools is the default surface for tier 2/3 agents without explicit
// tool permissions.
var readOnlyTools = []string{"Read", "Grep", "Glob", "WebSearch", "WebFetch"}

type stickyEntry struct {
	rt         runtime.Runtime
	lastUsedAt time.Time
}

// Manager maps (source, channel, agent) to a runtime. Agents with
// pool_size=1 get one persistent runtime per channel key; larger pools
// delegate to the shared Pool with LRU reuse.
type Manager struct {
	cfg      *config.Config
	personas *persona.Loader
	pool     *Pool
	events   bus.EventPublisher

	idleTimeout time.Duration // sticky runtimes; manager knob, not the pool's

	mu     sync.Mutex
	sticky map[string]*stickyEntry
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Config      *config.Config
	Personas    *persona.Loader
	Pool        *Pool
	Events      bus.EventPublisher
	IdleTimeout time.Duration // default 5m
}

// NewManager creates a process manager.
func NewManager(mc ManagerConfig) *Manager {
	if mc.IdleTimeout <= 0 {
		mc.IdleTimeout = 5 * time.Minute
	}
	return &Manager{
		cfg:         mc.Config,
		personas:    mc.Personas,
		pool:        mc.Pool,
		events:      mc.Events,
		idleTimeout: mc.IdleTimeout,
		sticky:      make(map[string]*stickyEntry),
	}
}

// Get returns a runtime for the agent on the given channel, creating one if
// needed. isNew reports whether a subprocess was started for this call.
func (m *Manager) Get(ctx context.Context, source, channelID, agentID string) (runtime.Runtime, bool, error) {
	agent := m.cfg.Agent(agentID)
	if agent == nil {
		return nil, false, fmt.Errorf("unknown agent %q", agentID)
	}
	if !agent.IsEnabled() {
		return nil, false, fmt.Errorf("agent %q is disabled", agentID)
	}

	key := ChannelKey{Source: source, ChannelID: channelID, AgentID: agentID}
	factory := m.factory(agentID, agent, key)

	if agent.EffectivePoolSize() > 1 {
		return m.pool.Acquire(ctx, agentID, agent.EffectivePoolSize(), factory)
	}
	return m.getSticky(ctx, key, factory)
}

// getSticky ensures one persistent runtime per channel key. The factory runs
// under the manager lock: sticky creation is rare and racing duplicate
// subprocesses for the same key is worse than a short stall.
func (m *Manager) getSticky(ctx context.Context, key ChannelKey, factory runtime.Factory) (runtime.Runtime, bool, error) {
	ks := key.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sticky[ks]; ok && e.rt.State() != runtime.StateDead {
		e.lastUsedAt = time.Now()
		return e.rt, false, nil
	}

	rt, err := factory(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("start runtime for %s: %w", key.AgentID, err)
	}
	m.sticky[ks] = &stickyEntry{rt: rt, lastUsedAt: time.Now()}
	rt.OnClose(func() { m.dropSticky(ks, rt) })

	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: bus.EventProcessCreated, Payload: ProcessCreated{
			AgentID:   key.AgentID,
			SessionID: rt.SessionID(),
		}})
	}
	slog.Info("runtime created", "agent", key.AgentID, "channel", key.ChannelID, "session", rt.SessionID())
	return rt, true, nil
}

func (m *Manager) dropSticky(key string, rt runtime.Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sticky[key]; ok && e.rt == rt {
		delete(m.sticky, key)
	}
}

// Release returns a runtime after use. No-op for sticky (pool_size=1)
// runtimes, which stay bound to their channel.
func (m *Manager) Release(agentID string, rt runtime.Runtime) {
	agent := m.cfg.Agent(agentID)
	if agent != nil && agent.EffectivePoolSize() > 1 {
		m.pool.Release(agentID, rt)
		return
	}
	m.mu.Lock()
	for _, e := range m.sticky {
		if e.rt == rt {
			e.lastUsedAt = time.Now()
			break
		}
	}
	m.mu.Unlock()
}

// SweepIdle evicts sticky runtimes idle past the manager timeout and
// delegates to the pool for pooled ones.
func (m *Manager) SweepIdle() int {
	now := time.Now()
	var victims []runtime.Runtime

	m.mu.Lock()
	for ks, e := range m.sticky {
		if e.rt.Ready() && now.Sub(e.lastUsedAt) > m.idleTimeout {
			victims = append(victims, e.rt)
			delete(m.sticky, ks)
		}
	}
	m.mu.Unlock()

	for _, rt := range victims {
		rt.Stop()
	}
	return len(victims) + m.pool.SweepIdle()
}

// SweepHung delegates to the pool. Sticky runtimes have no acquire window to
// measure; a hung sticky runtime is caught by its caller's send timeout.
func (m *Manager) SweepHung() int {
	return m.pool.SweepHung()
}

// InvalidateAgent drops cached persona text and sticky runtimes for one
// agent. Called on config reload.
func (m *Manager) InvalidateAgent(agentID string) {
	m.personas.Invalidate(agentID)

	var victims []runtime.Runtime
	m.mu.Lock()
	for ks, e := range m.sticky {
		if keyAgent(ks) == agentID {
			victims = append(victims, e.rt)
			delete(m.sticky, ks)
		}
	}
	m.mu.Unlock()
	for _, rt := range victims {
		rt.Stop()
	}
}

// StopAll tears down every runtime.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sticky := m.sticky
	m.sticky = make(map[string]*stickyEntry)
	m.mu.Unlock()
	for _, e := range sticky {
		e.rt.Stop()
	}
	m.pool.StopAll()
}

// StickyCount reports the number of live sticky bindings (doctor output).
func (m *Manager) StickyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sticky)
}

// factory builds the runtime start function for one agent, resolving persona
// and tool permissions into runtime options.
func (m *Manager) factory(agentID string, agent *config.AgentConfig, key ChannelKey) runtime.Factory {
	return func(ctx context.Context) (runtime.Runtime, error) {
		prompt, err := m.personas.SystemPrompt(agentID)
		if err != nil {
			return nil, err
		}
		allowed, blocked := resolveTools(agent)
		opts := runtime.Options{
			AgentID:         agentID,
			Backend:         agent.Backend,
			Model:           agent.Model,
			SystemPrompt:    prompt,
			AllowedTools:    allowed,
			DisallowedTools: blocked,
			Env: []string{
				fmt.Sprintf("SWARMGATE_AGENT_ID=%s", agentID),
				fmt.Sprintf("SWARMGATE_AGENT_TIER=%d", agent.EffectiveTier()),
				fmt.Sprintf("SWARMGATE_CHANNEL=%s", key.ChannelID),
			},
		}
		return runtime.Start(ctx, opts)
	}
}

// resolveTools derives the tool surface from explicit permissions, falling
// back to tier defaults: tier 1 unrestricted, tier 2/3 read-only.
func resolveTools(agent *config.AgentConfig) (allowed, blocked []string) {
	if tp := agent.ToolPermissions; tp != nil {
		return tp.Allowed, tp.Blocked
	}
	if agent.EffectiveTier() > 1 {
		return readOnlyTools, nil
	}
	return nil, nil
}

func keyAgent(ks string) string {
	for i := len(ks) - 1; i >= 0; i-- {
		if ks[i] == '|' {
			return ks[i+1:]
		}
	}
	return ks
}
