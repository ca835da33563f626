package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

const defaultSendRatePerMinute = 20

// Manager owns the registered channels, the outbound dispatch loop, and
// per-chat send pacing.
type Manager struct {
	cfg    *config.Config
	router bus.MessageRouter

	mu       sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter // source|channelID
	cancel   context.CancelFunc
}

// NewManager creates a channel manager. Channels register before StartAll.
func NewManager(cfg *config.Config, router bus.MessageRouter) *Manager {
	return &Manager{
		cfg:      cfg,
		router:   router,
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds a channel under its source name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// StartAll starts every registered channel and the outbound dispatcher.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
}

// dispatchOutbound routes replies from the bus to their source channel,
// pacing per chat. Messages with no source fan out to every channel that
// knows the chat (notices from the core).
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.router.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}

		msg.Content = m.prefixAgent(msg)

		targets := m.resolveTargets(msg.Source)
		for name, ch := range targets {
			if err := m.limiter(name, msg.ChannelID).Wait(ctx); err != nil {
				return
			}
			if err := ch.Send(ctx, msg); err != nil {
				slog.Error("outbound send failed", "channel", name, "chat", msg.ChannelID, "error", err)
			}
		}
	}
}

func (m *Manager) resolveTargets(source string) map[string]Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if source == "" {
		targets := make(map[string]Channel, len(m.channels))
		for name, ch := range m.channels {
			targets[name] = ch
		}
		return targets
	}
	ch, ok := m.channels[source]
	if !ok {
		slog.Warn("unknown source for outbound message", "source", source)
		return nil
	}
	return map[string]Channel{source: ch}
}

// prefixAgent prepends the agent's display name so multi-agent channels
// stay readable.
func (m *Manager) prefixAgent(msg bus.OutboundMessage) string {
	if msg.AgentID == "" {
		return msg.Content
	}
	name := msg.AgentID
	if ac := m.cfg.Agent(msg.AgentID); ac != nil && ac.DisplayName != "" {
		name = ac.DisplayName
	}
	return fmt.Sprintf("**%s**: %s", name, msg.Content)
}

// limiter returns the per-chat pacer, creating it on first use.
func (m *Manager) limiter(source, channelID string) *rate.Limiter {
	key := source + "|" + channelID
	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	perMinute := m.cfg.SendRate()
	if perMinute <= 0 {
		perMinute = defaultSendRatePerMinute
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5)
	m.limiters[key] = lim
	return lim
}

// Status reports per-channel running state (doctor output).
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}
