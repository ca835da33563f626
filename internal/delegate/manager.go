// Package delegate parses, validates and executes tier-1 agent delegations
// while tracking active delegation edges to keep the graph acyclic.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// Rejection reasons surfaced to the originating channel.
const (
	ReasonNotDelegator  = "Only tier-1 agents with can_delegate may delegate"
	ReasonUnknownTarget = "Target agent unknown"
	ReasonTargetOff     = "Target agent disabled"
	ReasonSelf          = "Self-delegation not allowed"
	ReasonCircular      = "Circular delegation detected"
	ReasonReverse       = "Reverse delegation detected"
)

type edge struct{ from, to string }

// Request is one validated delegation to execute.
type Request struct {
	ID        string
	From      string
	To        string
	Task      string
	ChannelID string
	Source    string
}

// Result captures the target agent's response.
type Result struct {
	Response string
	Duration time.Duration
}

// ExecFunc runs the delegation prompt against the target agent.
type ExecFunc func(ctx context.Context, agentID, prompt string) (string, error)

// NotifyFunc posts a notice into the originating channel.
type NotifyFunc func(channelID, text string)

// Manager validates and executes delegations.
type Manager struct {
	cfg    *config.Config
	events bus.EventPublisher

	mu     sync.Mutex
	active map[edge]struct{}
}

// NewManager creates a delegation manager.
func NewManager(cfg *config.Config, events bus.EventPublisher) *Manager {
	return &Manager{
		cfg:    cfg,
		events: events,
		active: make(map[edge]struct{}),
	}
}

// IsAllowed checks whether from may delegate to to right now.
func (m *Manager) IsAllowed(from, to string) (bool, string) {
	fromCfg := m.cfg.Agent(from)
	if fromCfg == nil || !fromCfg.CanDelegate || fromCfg.EffectiveTier() != 1 {
		return false, ReasonNotDelegator
	}
	toCfg := m.cfg.Agent(to)
	if toCfg == nil {
		return false, ReasonUnknownTarget
	}
	if !toCfg.IsEnabled() {
		return false, ReasonTargetOff
	}
	if from == to {
		return false, ReasonSelf
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[edge{from, to}]; ok {
		return false, ReasonCircular
	}
	if _, ok := m.active[edge{to, from}]; ok {
		return false, ReasonReverse
	}
	return true, ""
}

// Execute validates req, claims the delegation edge, runs the target agent
// and always releases the edge afterwards.
func (m *Manager) Execute(ctx context.Context, req Request, exec ExecFunc, notify NotifyFunc) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if missing := MissingSections(req.Task); len(missing) > 0 {
		reason := fmt.Sprintf("delegation task missing sections: %s", strings.Join(missing, " "))
		m.reject(req, reason, notify)
		return nil, fmt.Errorf("%s", reason)
	}
	if ok, reason := m.IsAllowed(req.From, req.To); !ok {
		m.reject(req, reason, notify)
		return nil, fmt.Errorf("delegation %s -> %s rejected: %s", req.From, req.To, reason)
	}

	// claim the edge; a concurrent claim of the same or reverse edge loses
	e := edge{req.From, req.To}
	m.mu.Lock()
	if _, ok := m.active[e]; ok {
		m.mu.Unlock()
		m.reject(req, ReasonCircular, notify)
		return nil, fmt.Errorf("delegation %s -> %s rejected: %s", req.From, req.To, ReasonCircular)
	}
	if _, ok := m.active[edge{req.To, req.From}]; ok {
		m.mu.Unlock()
		m.reject(req, ReasonReverse, notify)
		return nil, fmt.Errorf("delegation %s -> %s rejected: %s", req.From, req.To, ReasonReverse)
	}
	m.active[e] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.active, e)
		m.mu.Unlock()
	}()

	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: bus.EventDelegationStarted, Payload: req})
	}
	if notify != nil {
		notify(req.ChannelID, fmt.Sprintf("%s delegated a task to %s", m.displayName(req.From), m.displayName(req.To)))
	}
	slog.Info("delegation started", "id", req.ID, "from", req.From, "to", req.To)

	start := time.Now()
	response, err := exec(ctx, req.To, m.buildPrompt(req))
	duration := time.Since(start)
	if err != nil {
		slog.Warn("delegation failed", "id", req.ID, "from", req.From, "to", req.To, "error", err)
		return nil, fmt.Errorf("delegation %s -> %s: %w", req.From, req.To, err)
	}

	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: bus.EventDelegationCompleted, Payload: req})
	}
	slog.Info("delegation completed", "id", req.ID, "from", req.From, "to", req.To, "duration", duration)
	return &Result{Response: response, Duration: duration}, nil
}

func (m *Manager) reject(req Request, reason string, notify NotifyFunc) {
	slog.Info("delegation rejected", "id", req.ID, "from", req.From, "to", req.To, "reason", reason)
	if m.events != nil {
		m.events.Broadcast(bus.Event{Name: bus.EventDelegationRejected, Payload: req})
	}
	if notify != nil {
		notify(req.ChannelID, fmt.Sprintf("Delegation to %s rejected: %s", m.displayName(req.To), reason))
	}
}

// buildPrompt frames the task for the target agent: identity, delegator and
// the disciplined section format when the task does not carry one already.
func (m *Manager) buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. %s has delegated the following task to you.\n\n", m.displayName(req.To), m.displayName(req.From))
	if MissingSections(req.Task) == nil && strings.Contains(strings.ToUpper(req.Task), "TASK:") {
		b.WriteString(req.Task)
	} else {
		fmt.Fprintf(&b, "TASK: %s\n", req.Task)
		b.WriteString("EXPECTED OUTCOME: Complete the task and report concrete results.\n")
		b.WriteString("MUST DO: Work only on the task above.\n")
		b.WriteString("MUST NOT DO: Do not expand scope or modify unrelated files.\n")
		b.WriteString("REQUIRED TOOLS: Use only the tools available to you.\n")
		fmt.Fprintf(&b, "CONTEXT: Delegated by %s in channel %s.\n", req.From, req.ChannelID)
	}
	b.WriteString("\nReport results without praise or filler.")
	return b.String()
}

func (m *Manager) displayName(agentID string) string {
	if a := m.cfg.Agent(agentID); a != nil && a.DisplayName != "" {
		return a.DisplayName
	}
	return agentID
}

// ActiveEdges returns the current delegation edges (doctor output).
func (m *Manager) ActiveEdges() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]string, 0, len(m.active))
	for e := range m.active {
		out = append(out, [2]string{e.from, e.to})
	}
	return out
}
