package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/delegate"
	"github.com/nextlevelbuilder/swarmgate/internal/enforce"
	"github.com/nextlevelbuilder/swarmgate/internal/queue"
	"github.com/nextlevelbuilder/swarmgate/internal/routing"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
)

type fakeRuntime struct {
	mu        sync.Mutex
	replies   []string
	prompts   []string
	sessionID string
	idleFns   []func()
	closeFns  []func()
}

func (f *fakeRuntime) Send(_ context.Context, prompt string) (*runtime.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	resp := "ok"
	if len(f.replies) > 0 {
		resp = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &runtime.Reply{Response: resp, SessionID: f.sessionID}, nil
}

func (f *fakeRuntime) Ready() bool            { return true }
func (f *fakeRuntime) Stop()                  {}
func (f *fakeRuntime) State() runtime.State   { return runtime.StateIdle }
func (f *fakeRuntime) SessionID() string      { return f.sessionID }
func (f *fakeRuntime) OnIdle(fn func())       { f.mu.Lock(); defer f.mu.Unlock(); f.idleFns = append(f.idleFns, fn) }
func (f *fakeRuntime) OnClose(fn func())      { f.mu.Lock(); defer f.mu.Unlock(); f.closeFns = append(f.closeFns, fn) }
func (f *fakeRuntime) OnError(fn func(error)) {}

func (f *fakeRuntime) idleHandlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.idleFns)
}

// fakeProvider hands out pre-built runtimes keyed by agent ID.
type fakeProvider struct {
	rts map[string]*fakeRuntime
}

func (p *fakeProvider) Get(_ context.Context, _, _, agentID string) (runtime.Runtime, bool, error) {
	return p.rts[agentID], false, nil
}

func (p *fakeProvider) Release(string, runtime.Runtime) {}

func dispatchConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents = map[string]*config.AgentConfig{
		"assistant": {DisplayName: "Assistant", Tier: 1, CanDelegate: true},
	}
	cfg.DefaultAgent = "assistant"
	return cfg
}

func newTestDispatcher(cfg *config.Config, mb *bus.MessageBus) *Dispatcher {
	return New(Config{
		Cfg:       cfg,
		Router:    mb,
		Events:    mb,
		Selector:  routing.NewSelector(cfg, mb),
		Queues:    queue.New(queue.Config{}),
		Pipeline:  enforce.NewPipeline(cfg, mb),
		Delegates: delegate.NewManager(cfg, mb),
	})
}

func consumeOutbound(t *testing.T, mb *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.SubscribeOutbound(ctx)
	require.True(t, ok, "expected an outbound message")
	return msg
}

func TestBuildPrompt(t *testing.T) {
	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{
			"human with channel name",
			bus.InboundMessage{ChannelName: "general", UserID: "u1", Content: "hi"},
			"[general] u1: hi",
		},
		{
			"bot message uses sender agent",
			bus.InboundMessage{ChannelName: "general", UserID: "bot", IsBot: true, SenderAgentID: "coder", Content: "done"},
			"[general] coder: done",
		},
		{
			"no channel name",
			bus.InboundMessage{UserID: "u1", Content: "hi"},
			"u1: hi",
		},
		{
			"anonymous",
			bus.InboundMessage{Content: "hi"},
			"user: hi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildPrompt(tt.msg))
		})
	}

	withFiles := buildPrompt(bus.InboundMessage{UserID: "u1", Content: "see these", Files: []string{"a.txt", "b.txt"}})
	assert.Contains(t, withFiles, "Attached files:")
	assert.Contains(t, withFiles, "- a.txt")
}

func TestDeliverPublishesAndRecords(t *testing.T) {
	cfg := dispatchConfig()
	mb := bus.NewMessageBus()
	d := newTestDispatcher(cfg, mb)

	msg := bus.InboundMessage{Source: "discord", ChannelID: "c1", UserID: "u1", Content: "hi"}
	d.deliver(context.Background(), "assistant", "s1", msg, "here is the result", &fakeRuntime{})

	out := consumeOutbound(t, mb)
	assert.Equal(t, "discord", out.Source)
	assert.Equal(t, "c1", out.ChannelID)
	assert.Equal(t, "assistant", out.AgentID)
	assert.Equal(t, "here is the result", out.Content)

	length, blocked := d.selector.ChainLength("c1")
	assert.Equal(t, 1, length)
	assert.False(t, blocked)
}

func TestDeliverResendsOnEnforcementRejection(t *testing.T) {
	cfg := dispatchConfig()
	cfg.Enforcement.Patterns.Flattery = []string{"FLUFF"}
	mb := bus.NewMessageBus()
	d := newTestDispatcher(cfg, mb)

	rt := &fakeRuntime{replies: []string{"plain result: 3 files changed"}}
	msg := bus.InboundMessage{Source: "discord", ChannelID: "c1", IsBot: true, SenderAgentID: "coder", Content: "go"}
	d.deliver(context.Background(), "assistant", "s1", msg, "FLUFF FLUFF FLUFF ok", rt)

	out := consumeOutbound(t, mb)
	assert.Equal(t, "plain result: 3 files changed", out.Content)
	require.Len(t, rt.prompts, 1)
	assert.Contains(t, rt.prompts[0], "praise/flattery")
}

func TestDelegationScopeWarningOnStrayFiles(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = map[string]*config.AgentConfig{
		"lead":   {DisplayName: "Lead", Tier: 1, CanDelegate: true},
		"helper": {DisplayName: "Helper", Tier: 2},
	}
	mb := bus.NewMessageBus()
	helper := &fakeRuntime{replies: []string{"patched internal/auth/login.go"}, sessionID: "s-helper"}
	d := New(Config{
		Cfg:       cfg,
		Router:    mb,
		Events:    mb,
		Selector:  routing.NewSelector(cfg, mb),
		Manager:   &fakeProvider{rts: map[string]*fakeRuntime{"helper": helper}},
		Queues:    queue.New(queue.Config{}),
		Pipeline:  enforce.NewPipeline(cfg, mb),
		Delegates: delegate.NewManager(cfg, mb),
		ModifiedFiles: func(context.Context) []string {
			return []string{"internal/auth/login.go", "scripts/deploy.sh"}
		},
	})

	task := "TASK: fix the login bug\n" +
		"EXPECTED OUTCOME: update internal/auth/login.go\n" +
		"MUST DO: keep the change minimal\n" +
		"MUST NOT DO: touch unrelated files\n" +
		"REQUIRED TOOLS: Read, Edit\n" +
		"CONTEXT: reported by support"
	msg := bus.InboundMessage{Source: "discord", ChannelID: "c1", UserID: "u1", Content: "fix login"}
	d.deliver(context.Background(), "lead", "s-lead", msg, "On it.\nDELEGATE::helper::"+task, &fakeRuntime{})

	// delegation notice, helper reply, lead reply
	var helperOut bus.OutboundMessage
	for i := 0; i < 3; i++ {
		if out := consumeOutbound(t, mb); out.AgentID == "helper" {
			helperOut = out
		}
	}
	require.NotEmpty(t, helperOut.Content)
	assert.Contains(t, helperOut.Content, "[WARNING] scope:")
	assert.Contains(t, helperOut.Content, "scripts/deploy.sh")
	assert.Contains(t, helperOut.Content, "1 file(s)", "the in-scope file is not flagged")
	require.Len(t, helper.prompts, 1)
	assert.Contains(t, helper.prompts[0], "EXPECTED OUTCOME")
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/auth/login.go\n" +
		"A  scripts/deploy.sh\n" +
		"R  cmd/old.go -> cmd/new.go\n" +
		"?? notes.txt\n"
	assert.Equal(t,
		[]string{"internal/auth/login.go", "scripts/deploy.sh", "cmd/new.go", "notes.txt"},
		parsePorcelain(out))
	assert.Nil(t, parsePorcelain(""))
}

func TestDrainHookInstalledOncePerRuntime(t *testing.T) {
	cfg := dispatchConfig()
	d := newTestDispatcher(cfg, bus.NewMessageBus())

	rt := &fakeRuntime{sessionID: "sess-1"}
	d.installDrainHook("assistant", rt)
	d.installDrainHook("assistant", rt)
	assert.Equal(t, 1, rt.idleHandlerCount())

	// a fresh runtime for the same agent gets its own hook
	rt2 := &fakeRuntime{sessionID: "sess-2"}
	d.installDrainHook("assistant", rt2)
	assert.Equal(t, 1, rt2.idleHandlerCount())
}

func TestDrainQueueDeliversQueuedMessages(t *testing.T) {
	cfg := dispatchConfig()
	mb := bus.NewMessageBus()
	d := newTestDispatcher(cfg, mb)

	queued := bus.InboundMessage{Source: "discord", ChannelID: "c1", UserID: "u1", Content: "queued question"}
	d.enqueue("assistant", buildPrompt(queued), queued)
	require.Equal(t, 1, d.queues.Len("assistant"))

	rt := &fakeRuntime{replies: []string{"queued answer"}, sessionID: "s1"}
	d.drainQueue("assistant", rt)

	out := consumeOutbound(t, mb)
	assert.Equal(t, "queued answer", out.Content)
	assert.Equal(t, "c1", out.ChannelID)
	assert.Equal(t, 0, d.queues.Len("assistant"))
}

func TestHandleBlockedSelectionProducesNoOutbound(t *testing.T) {
	cfg := dispatchConfig()
	off := false
	cfg.MultiAgent = &off
	mb := bus.NewMessageBus()
	d := newTestDispatcher(cfg, mb)

	d.handle(context.Background(), bus.InboundMessage{Source: "discord", ChannelID: "c1", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := mb.SubscribeOutbound(ctx)
	assert.False(t, ok, "multi-agent disabled must not produce replies")
}
