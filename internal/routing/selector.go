// Package routing selects which agents respond to a message: a fixed
// priority cascade (explicit prefix, category regex, keyword, default) with
// loop prevention, cooldowns and chain-window bookkeeping.
package routing

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// Selection reasons.
const (
	ReasonFreeChat        = "free_chat"
	ReasonExplicitTrigger = "explicit_trigger"
	ReasonCategoryMatch   = "category_match"
	ReasonKeywordMatch    = "keyword_match"
	ReasonDefaultAgent    = "default_agent"
)

// Block reasons (soft outcomes, not errors).
const (
	BlockChainLimit     = "chain limit"
	BlockGlobalCooldown = "global cooldown"
	BlockAgentCooldown  = "agent cooldown"
)

// Selection is the outcome of one routing decision.
type Selection struct {
	AgentIDs    []string
	Reason      string
	Blocked     bool
	BlockReason string
	Category    string // set for category matches
}

// Selector owns chain state and the cooldown table. Chain reads and updates
// for the same channel are serialized under one mutex; the cascade is cheap.
type Selector struct {
	cfg        *config.Config
	categories *CategoryRouter
	events     bus.EventPublisher

	mu        sync.Mutex
	chains    map[string]*chainState
	cooldowns map[string]time.Time
	history   historyRing

	now func() time.Time
}

// NewSelector creates a selector for the given config.
func NewSelector(cfg *config.Config, events bus.EventPublisher) *Selector {
	return &Selector{
		cfg:        cfg,
		categories: NewCategoryRouter(cfg.CategorySnapshot()),
		events:     events,
		chains:     make(map[string]*chainState),
		cooldowns:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// ReloadCategories recompiles the category router after a config reload.
func (s *Selector) ReloadCategories() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = NewCategoryRouter(s.cfg.CategorySnapshot())
}

func (s *Selector) chain(channelID string) *chainState {
	c, ok := s.chains[channelID]
	if !ok {
		c = &chainState{}
		s.chains[channelID] = c
	}
	return c
}

// Select runs the routing cascade for one message.
func (s *Selector) Select(ctx bus.InboundMessage) Selection {
	if !s.cfg.MultiAgentEnabled() {
		return Selection{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	chain := s.chain(ctx.ChannelID)
	isHuman := !ctx.IsBot
	freeChat := s.cfg.FreeChatEnabled()

	// 1. any human message resets the chain
	if isHuman {
		chain.reset()
	}

	// 2. saturated chain blocks everything until a human resets it
	if chain.blocked {
		return Selection{Blocked: true, BlockReason: BlockChainLimit}
	}

	// 3. global cooldown between responses; free-chat agent traffic bypasses
	if !chain.lastResponseAt.IsZero() &&
		now.Sub(chain.lastResponseAt) < time.Duration(s.globalCooldownMs())*time.Millisecond {
		if isHuman || !freeChat {
			return Selection{Blocked: true, BlockReason: BlockGlobalCooldown}
		}
	}

	available := s.availableAgents(ctx)

	// 5. free chat: everyone (or everyone mentioned) responds
	if freeChat {
		return s.selectFreeChat(ctx, available, isHuman)
	}

	// 6. explicit trigger prefix
	if sel, hit := s.selectExplicit(ctx, available, now); hit {
		return sel
	}

	// 7. category regex
	if m := s.categories.Match(ctx.Content, available); m != nil {
		ready := s.filterReady(m.MatchedAgents, now)
		if len(ready) > 0 {
			return Selection{AgentIDs: ready, Reason: ReasonCategoryMatch, Category: m.Category}
		}
	}

	// 8. keyword substring match
	if sel, hit := s.selectKeyword(ctx, available, now, isHuman); hit {
		return sel
	}

	// 9. default agent, for humans only
	if isHuman {
		if id := s.defaultAgent(ctx.ChannelID, available, now); id != "" {
			return Selection{AgentIDs: []string{id}, Reason: ReasonDefaultAgent}
		}
	}

	return Selection{}
}

// availableAgents computes enabled ∩ channel.allowed − channel.disabled −
// sender (for bot messages).
func (s *Selector) availableAgents(ctx bus.InboundMessage) map[string]bool {
	available := make(map[string]bool)
	ov := s.cfg.Override(ctx.ChannelID)

	for _, id := range s.cfg.AgentIDs() {
		agent := s.cfg.Agent(id)
		if agent == nil || !agent.IsEnabled() {
			continue
		}
		if ov != nil {
			if len(ov.AllowedAgents) > 0 && !contains(ov.AllowedAgents, id) {
				continue
			}
			if contains(ov.DisabledAgents, id) {
				continue
			}
		}
		if ctx.IsBot && id == ctx.SenderAgentID {
			continue
		}
		available[id] = true
	}
	return available
}

func (s *Selector) selectFreeChat(ctx bus.InboundMessage, available map[string]bool, isHuman bool) Selection {
	var selected []string
	if isHuman && len(ctx.MentionedAgentIDs) > 0 {
		for _, id := range ctx.MentionedAgentIDs {
			if available[id] {
				selected = append(selected, id)
			}
		}
	} else {
		selected = sortedKeys(available)
	}
	// a human speaking in free chat clears cooldowns for whoever responds;
	// bot traffic leaves them in place so other cascades still honor them
	if isHuman {
		for _, id := range selected {
			delete(s.cooldowns, id)
		}
	}
	return Selection{AgentIDs: selected, Reason: ReasonFreeChat}
}

func (s *Selector) selectExplicit(ctx bus.InboundMessage, available map[string]bool, now time.Time) (Selection, bool) {
	trimmed := strings.TrimLeftFunc(ctx.Content, unicode.IsSpace)
	lower := strings.ToLower(trimmed)
	for _, id := range s.cfg.AgentIDs() {
		agent := s.cfg.Agent(id)
		if agent == nil || agent.TriggerPrefix == "" || !available[id] {
			continue
		}
		if !strings.HasPrefix(lower, strings.ToLower(agent.TriggerPrefix)) {
			continue
		}
		if !s.agentReady(id, now) {
			return Selection{Blocked: true, BlockReason: BlockAgentCooldown}, true
		}
		return Selection{AgentIDs: []string{id}, Reason: ReasonExplicitTrigger}, true
	}
	return Selection{}, false
}

func (s *Selector) selectKeyword(ctx bus.InboundMessage, available map[string]bool, now time.Time, isHuman bool) (Selection, bool) {
	lower := strings.ToLower(ctx.Content)
	var matched []string
	for _, id := range sortedKeys(available) {
		agent := s.cfg.Agent(id)
		if agent == nil {
			continue
		}
		for _, kw := range agent.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				if s.agentReady(id, now) {
					matched = append(matched, id)
				}
				break
			}
		}
	}
	if len(matched) == 0 {
		return Selection{}, false
	}
	// bot-to-bot keyword matches keep a single responder to cut cross-talk
	if !isHuman && len(matched) > 1 {
		matched = matched[:1]
	}
	return Selection{AgentIDs: matched, Reason: ReasonKeywordMatch}, true
}

func (s *Selector) defaultAgent(channelID string, available map[string]bool, now time.Time) string {
	if ov := s.cfg.Override(channelID); ov != nil && ov.DefaultAgent != "" {
		if available[ov.DefaultAgent] && s.agentReady(ov.DefaultAgent, now) {
			return ov.DefaultAgent
		}
	}
	if d := s.cfg.DefaultAgentID(); d != "" && available[d] && s.agentReady(d, now) {
		return d
	}
	return ""
}

// RecordResponse registers an agent response: stamps the cooldown, advances
// (or restarts) the chain, saturates blocked at the channel limit, and
// appends to the bounded history.
func (s *Selector) RecordResponse(agentID, channelID string) {
	s.mu.Lock()
	now := s.now()
	s.cooldowns[agentID] = now

	chain := s.chain(channelID)
	window := time.Duration(s.chainWindowMs()) * time.Millisecond
	// a window elapsed exactly counts as a new chain
	if chain.lastResponseAt.IsZero() || now.Sub(chain.lastResponseAt) >= window {
		chain.length = 1
	} else {
		chain.length++
	}
	chain.lastResponseAt = now
	chain.lastAgentID = agentID

	justBlocked := false
	if chain.length >= s.cfg.EffectiveChainLimit(channelID) {
		if !chain.blocked {
			justBlocked = true
		}
		chain.blocked = true
	}
	s.history.append(ResponseRecord{AgentID: agentID, ChannelID: channelID, At: now})
	s.mu.Unlock()

	if justBlocked {
		slog.Info("chain limit reached", "channel", channelID, "agent", agentID)
		if s.events != nil {
			s.events.Broadcast(bus.Event{Name: bus.EventChainBlocked, Payload: channelID})
		}
	}
}

// AgentReady reports whether an agent's per-agent cooldown has elapsed.
func (s *Selector) AgentReady(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentReady(agentID, s.now())
}

func (s *Selector) agentReady(agentID string, now time.Time) bool {
	last, ok := s.cooldowns[agentID]
	if !ok {
		return true
	}
	agent := s.cfg.Agent(agentID)
	cooldown := int64(5000)
	if agent != nil {
		cooldown = agent.EffectiveCooldownMs()
	}
	return now.Sub(last) >= time.Duration(cooldown)*time.Millisecond
}

func (s *Selector) filterReady(ids []string, now time.Time) []string {
	var out []string
	for _, id := range ids {
		if s.agentReady(id, now) {
			out = append(out, id)
		}
	}
	return out
}

// History returns the bounded response history, oldest first.
func (s *Selector) History() []ResponseRecord {
	return s.history.snapshot()
}

// ChainLength reports the current chain length for a channel (doctor output).
func (s *Selector) ChainLength(channelID string) (length int, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[channelID]; ok {
		return c.length, c.blocked
	}
	return 0, false
}

func (s *Selector) globalCooldownMs() int64 {
	if v := s.cfg.LoopPreventionSnapshot().GlobalCooldownMs; v > 0 {
		return v
	}
	return 2000
}

func (s *Selector) chainWindowMs() int64 {
	if v := s.cfg.LoopPreventionSnapshot().ChainWindowMs; v > 0 {
		return v
	}
	return 60000
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	// stable selection order matters for the single-pick paths
	sort.Strings(out)
	return out
}
