package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

func TestExtractMentions(t *testing.T) {
	names := map[string]string{
		"architect": "Archie",
		"coder":     "",
	}

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"by id", "hey @architect take a look", []string{"architect"}},
		{"by display name", "ping @archie please", []string{"architect"}},
		{"case insensitive", "@CODER fix this", []string{"coder"}},
		{"no mention", "nothing to see", nil},
		{"bare name without at", "the architect should decide", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, ExtractMentions(tt.content, names))
		})
	}
}

func TestSplitMessage(t *testing.T) {
	content := strings.Repeat("line one\n", 300) // ~2700 bytes
	chunks := SplitMessage(content, 2000)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 2000)
		assert.True(t, strings.HasSuffix(chunk, "\n"), "chunks break at newlines")
	}
	assert.Equal(t, content, strings.Join(chunks, ""))

	assert.Equal(t, []string{"short"}, SplitMessage("short", 2000))
	assert.Empty(t, SplitMessage("", 2000))
}

type fakeChannel struct {
	name string

	mu      sync.Mutex
	sent    []bus.OutboundMessage
	running bool
}

func (f *fakeChannel) Name() string                     { return f.name }
func (f *fakeChannel) Start(context.Context) error      { f.running = true; return nil }
func (f *fakeChannel) Stop(context.Context) error       { f.running = false; return nil }
func (f *fakeChannel) IsRunning() bool                  { return f.running }
func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) lastContent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Content
}

func managerConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents = map[string]*config.AgentConfig{
		"architect": {DisplayName: "Archie"},
	}
	cfg.Gateways.SendRatePerMinute = 6000 // effectively unpaced in tests
	return cfg
}

func TestOutboundRoutesToSourceChannel(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(managerConfig(), mb)
	discord := &fakeChannel{name: "discord"}
	telegram := &fakeChannel{name: "telegram"}
	m.Register(discord)
	m.Register(telegram)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(context.Background())

	mb.PublishOutbound(bus.OutboundMessage{Source: "discord", ChannelID: "c1", AgentID: "architect", Content: "done"})

	require.Eventually(t, func() bool { return discord.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, telegram.sentCount())
	assert.Equal(t, "**Archie**: done", discord.lastContent())
}

func TestOutboundWithoutSourceFansOut(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(managerConfig(), mb)
	discord := &fakeChannel{name: "discord"}
	telegram := &fakeChannel{name: "telegram"}
	m.Register(discord)
	m.Register(telegram)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	defer m.StopAll(context.Background())

	mb.PublishOutbound(bus.OutboundMessage{ChannelID: "c1", Content: "system notice"})

	require.Eventually(t, func() bool {
		return discord.sentCount() == 1 && telegram.sentCount() == 1
	}, time.Second, 5*time.Millisecond)
	// notices carry no agent, so no prefix
	assert.Equal(t, "system notice", discord.lastContent())
}

func TestPrefixFallsBackToAgentID(t *testing.T) {
	m := NewManager(managerConfig(), bus.NewMessageBus())
	out := m.prefixAgent(bus.OutboundMessage{AgentID: "ghost", Content: "hi"})
	assert.Equal(t, "**ghost**: hi", out)
}

func TestBasePublishStampsSource(t *testing.T) {
	mb := bus.NewMessageBus()
	base := NewBaseChannel("discord", mb)
	base.Publish(bus.InboundMessage{ChannelID: "c1", Content: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "discord", msg.Source)
}
