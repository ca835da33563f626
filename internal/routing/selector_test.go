package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

func routingConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents = map[string]*config.AgentConfig{
		"alpha": {TriggerPrefix: "!a", Keywords: []string{"foo"}},
		"beta":  {TriggerPrefix: "!b", Keywords: []string{"bar"}},
	}
	cfg.DefaultAgent = "beta"
	return cfg
}

// fakeClock drives Selector.now deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSelector(cfg *config.Config) (*Selector, *fakeClock) {
	s := NewSelector(cfg, nil)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s.now = clk.now
	return s, clk
}

func human(content string) bus.InboundMessage {
	return bus.InboundMessage{Source: "discord", ChannelID: "c1", Content: content}
}

func botMsg(content, sender string) bus.InboundMessage {
	return bus.InboundMessage{Source: "discord", ChannelID: "c1", Content: content, IsBot: true, SenderAgentID: sender}
}

func TestTriggerCascade(t *testing.T) {
	s, _ := newTestSelector(routingConfig())

	sel := s.Select(human("!a hello"))
	assert.Equal(t, []string{"alpha"}, sel.AgentIDs)
	assert.Equal(t, ReasonExplicitTrigger, sel.Reason)

	sel = s.Select(human("we need bar"))
	assert.Equal(t, []string{"beta"}, sel.AgentIDs)
	assert.Equal(t, ReasonKeywordMatch, sel.Reason)

	sel = s.Select(human("random"))
	assert.Equal(t, []string{"beta"}, sel.AgentIDs)
	assert.Equal(t, ReasonDefaultAgent, sel.Reason)
}

func TestTriggerPrefixCaseInsensitiveAndTrimmed(t *testing.T) {
	s, _ := newTestSelector(routingConfig())
	sel := s.Select(human("   !A hello"))
	assert.Equal(t, []string{"alpha"}, sel.AgentIDs)
	assert.Equal(t, ReasonExplicitTrigger, sel.Reason)
}

func TestChainBlocking(t *testing.T) {
	s, clk := newTestSelector(routingConfig())

	// agent posts three consecutive bot responses within the window
	for i := 0; i < 3; i++ {
		s.RecordResponse("alpha", "c1")
		clk.advance(10 * time.Second)
	}
	length, blocked := s.ChainLength("c1")
	assert.Equal(t, 3, length)
	assert.True(t, blocked)

	sel := s.Select(botMsg("more", "alpha"))
	assert.True(t, sel.Blocked)
	assert.Equal(t, BlockChainLimit, sel.BlockReason)
	assert.Empty(t, sel.AgentIDs)

	// a human message resets the chain and routing resumes
	sel = s.Select(human("!b go"))
	assert.False(t, sel.Blocked)
	assert.Equal(t, []string{"beta"}, sel.AgentIDs)
	length, blocked = s.ChainLength("c1")
	assert.Equal(t, 0, length)
	assert.False(t, blocked)
}

func TestChainWindowExactBoundaryStartsNewChain(t *testing.T) {
	s, clk := newTestSelector(routingConfig())

	s.RecordResponse("alpha", "c1")
	s.RecordResponse("alpha", "c1")
	length, _ := s.ChainLength("c1")
	require.Equal(t, 2, length)

	// exactly chain_window_ms later: new chain, length resets to 1
	clk.advance(60_000 * time.Millisecond)
	s.RecordResponse("alpha", "c1")
	length, blocked := s.ChainLength("c1")
	assert.Equal(t, 1, length)
	assert.False(t, blocked)
}

func TestRecordResponseBlockedSaturates(t *testing.T) {
	s, _ := newTestSelector(routingConfig())
	for i := 0; i < 6; i++ {
		s.RecordResponse("alpha", "c1")
	}
	_, blocked := s.ChainLength("c1")
	assert.True(t, blocked, "stays blocked past the threshold")
}

func TestGlobalCooldownBlocksHumans(t *testing.T) {
	s, clk := newTestSelector(routingConfig())
	s.RecordResponse("alpha", "c1")

	clk.advance(500 * time.Millisecond)
	sel := s.Select(botMsg("quick follow-up bar", "alpha"))
	assert.True(t, sel.Blocked)
	assert.Equal(t, BlockGlobalCooldown, sel.BlockReason)

	// past the 2s cooldown the bot message routes again
	clk.advance(2 * time.Second)
	sel = s.Select(botMsg("quick follow-up bar", "alpha"))
	assert.False(t, sel.Blocked)
	assert.Equal(t, []string{"beta"}, sel.AgentIDs)
}

func TestExplicitTriggerOnCooldownBlocks(t *testing.T) {
	s, clk := newTestSelector(routingConfig())
	s.RecordResponse("alpha", "c1")
	clk.advance(3 * time.Second) // past global cooldown, inside alpha's 5s

	sel := s.Select(human("!a again"))
	assert.True(t, sel.Blocked)
	assert.Equal(t, BlockAgentCooldown, sel.BlockReason)
}

func TestKeywordBotMessagesKeepSingleResponder(t *testing.T) {
	cfg := routingConfig()
	cfg.Agents["gamma"] = &config.AgentConfig{Keywords: []string{"foo"}}
	s, _ := newTestSelector(cfg)

	sel := s.Select(human("foo everywhere"))
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, sel.AgentIDs)

	sel = s.Select(botMsg("foo everywhere", "beta"))
	assert.Len(t, sel.AgentIDs, 1, "bot cross-talk keeps one responder")
}

func TestSenderExcludedForBotMessages(t *testing.T) {
	s, _ := newTestSelector(routingConfig())
	sel := s.Select(botMsg("foo", "alpha"))
	assert.Empty(t, sel.AgentIDs, "alpha cannot answer itself; no default for bots")
}

func TestCategoryBeatsKeyword(t *testing.T) {
	cfg := routingConfig()
	cfg.Categories = []config.CategoryConfig{
		{Name: "infra", Priority: 10, Patterns: []string{"deploy"}, AgentIDs: []string{"alpha"}},
		{Name: "misc", Priority: 1, Patterns: []string{"deploy"}, AgentIDs: []string{"beta"}},
	}
	s, _ := newTestSelector(cfg)

	sel := s.Select(human("please deploy the bar service"))
	assert.Equal(t, []string{"alpha"}, sel.AgentIDs)
	assert.Equal(t, ReasonCategoryMatch, sel.Reason)
	assert.Equal(t, "infra", sel.Category)
}

func TestChannelOverrides(t *testing.T) {
	cfg := routingConfig()
	cfg.ChannelOverrides = map[string]config.ChannelOverride{
		"c1": {AllowedAgents: []string{"alpha"}, DefaultAgent: "alpha"},
	}
	s, _ := newTestSelector(cfg)

	// beta's keyword cannot match: beta is not allowed in c1
	sel := s.Select(human("we need bar"))
	assert.Equal(t, []string{"alpha"}, sel.AgentIDs)
	assert.Equal(t, ReasonDefaultAgent, sel.Reason)
}

func TestFreeChatMentionsAndBroadcast(t *testing.T) {
	cfg := routingConfig()
	cfg.FreeChat = true
	s, _ := newTestSelector(cfg)

	msg := human("hey @alpha")
	msg.MentionedAgentIDs = []string{"alpha"}
	sel := s.Select(msg)
	assert.Equal(t, []string{"alpha"}, sel.AgentIDs)
	assert.Equal(t, ReasonFreeChat, sel.Reason)

	sel = s.Select(human("anyone?"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, sel.AgentIDs)

	// agent-to-agent in free chat: everyone but the sender
	sel = s.Select(botMsg("thoughts?", "alpha"))
	assert.Equal(t, []string{"beta"}, sel.AgentIDs)
}

func TestFreeChatBotMessageKeepsCooldowns(t *testing.T) {
	cfg := routingConfig()
	cfg.FreeChat = true
	s, clk := newTestSelector(cfg)

	s.RecordResponse("beta", "c1")
	clk.advance(3 * time.Second) // past the 2s global cooldown, inside beta's 5s

	// bot traffic still fans out but must not wipe the cooldown table
	sel := s.Select(botMsg("thoughts?", "alpha"))
	assert.Equal(t, []string{"beta"}, sel.AgentIDs)
	assert.False(t, s.AgentReady("beta"))

	// a human broadcast clears cooldowns for the responders
	sel = s.Select(human("morning all"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, sel.AgentIDs)
	assert.True(t, s.AgentReady("beta"))
}

func TestRoutingSafeAcrossConfigReload(t *testing.T) {
	cfg := routingConfig()
	s := NewSelector(cfg, nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			s.Select(human("we need bar"))
			s.RecordResponse("beta", "c1")
		}
	}()

	for i := 0; i < 200; i++ {
		next := routingConfig()
		next.FreeChat = i%2 == 0
		next.DefaultAgent = "alpha"
		next.LoopPrevention.ChainWindowMs = int64(30_000 + i)
		next.Categories = []config.CategoryConfig{
			{Name: "infra", Patterns: []string{"deploy"}, AgentIDs: []string{"alpha"}},
		}
		cfg.ReplaceFrom(next)
		s.ReloadCategories()
	}
	close(done)
	wg.Wait()

	// the selector still routes with the last loaded config
	sel := s.Select(human("deploy it"))
	assert.NotEmpty(t, sel.AgentIDs)
}

func TestMultiAgentDisabled(t *testing.T) {
	cfg := routingConfig()
	off := false
	cfg.MultiAgent = &off
	s, _ := newTestSelector(cfg)

	sel := s.Select(human("!a hello"))
	assert.Empty(t, sel.AgentIDs)
	assert.False(t, sel.Blocked)
}

func TestSelectIsPure(t *testing.T) {
	s, _ := newTestSelector(routingConfig())
	msg := human("we need bar")
	first := s.Select(msg)
	second := s.Select(msg)
	assert.Equal(t, first, second)
}

func TestHistoryRingBounded(t *testing.T) {
	s, clk := newTestSelector(routingConfig())
	for i := 0; i < 150; i++ {
		s.RecordResponse("alpha", "c1")
		clk.advance(time.Minute) // keep the chain from saturating
	}
	h := s.History()
	assert.Len(t, h, 100)
	assert.True(t, h[0].At.Before(h[99].At))
}
