// Package dispatch is the hot path: consume inbound messages, run the
// routing cascade, borrow runtimes, absorb backpressure into queues, apply
// enforcement, and publish replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/delegate"
	"github.com/nextlevelbuilder/swarmgate/internal/enforce"
	"github.com/nextlevelbuilder/swarmgate/internal/pool"
	"github.com/nextlevelbuilder/swarmgate/internal/queue"
	"github.com/nextlevelbuilder/swarmgate/internal/routing"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/ultrawork"
)

const defaultSendTimeout = 5 * time.Minute

// RuntimeProvider hands out runtimes per (source, channel, agent) binding.
// *pool.Manager is the production implementation.
type RuntimeProvider interface {
	Get(ctx context.Context, source, channelID, agentID string) (runtime.Runtime, bool, error)
	Release(agentID string, rt runtime.Runtime)
}

// ModifiedFilesFunc reports the files the working tree has touched, used by
// the scope guard on delegated tasks.
type ModifiedFilesFunc func(ctx context.Context) []string

// Dispatcher wires the orchestration core together.
type Dispatcher struct {
	cfg           *config.Config
	router        bus.MessageRouter
	events        bus.EventPublisher
	selector      *routing.Selector
	manager       RuntimeProvider
	queues        *queue.Queue
	pipeline      *enforce.Pipeline
	delegates     *delegate.Manager
	ultra         *ultrawork.Controller
	modifiedFiles ModifiedFilesFunc
	tracer        trace.Tracer

	sendTimeout time.Duration

	mu      sync.Mutex
	drained map[string]bool // runtimes with an idle-drain hook installed
}

// Config wires a Dispatcher.
type Config struct {
	Cfg           *config.Config
	Router        bus.MessageRouter
	Events        bus.EventPublisher
	Selector      *routing.Selector
	Manager       RuntimeProvider
	Queues        *queue.Queue
	Pipeline      *enforce.Pipeline
	Delegates     *delegate.Manager
	Ultra         *ultrawork.Controller
	ModifiedFiles ModifiedFilesFunc // default: git status of the working tree
	SendTimeout   time.Duration
}

// New creates a dispatcher.
func New(dc Config) *Dispatcher {
	if dc.SendTimeout <= 0 {
		dc.SendTimeout = defaultSendTimeout
	}
	if dc.ModifiedFiles == nil {
		dc.ModifiedFiles = gitModifiedFiles
	}
	return &Dispatcher{
		cfg:           dc.Cfg,
		router:        dc.Router,
		events:        dc.Events,
		selector:      dc.Selector,
		manager:       dc.Manager,
		queues:        dc.Queues,
		pipeline:      dc.Pipeline,
		delegates:     dc.Delegates,
		ultra:         dc.Ultra,
		modifiedFiles: dc.ModifiedFiles,
		tracer:        otel.Tracer("swarmgate/dispatch"),
		sendTimeout:   dc.SendTimeout,
		drained:       make(map[string]bool),
	}
}

// Run consumes inbound messages until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started")
	for {
		msg, ok := d.router.ConsumeInbound(ctx)
		if !ok {
			return ctx.Err()
		}
		go d.handle(ctx, msg)
	}
}

// handle routes one message and fans out to the selected agents.
func (d *Dispatcher) handle(ctx context.Context, msg bus.InboundMessage) {
	ctx, span := d.tracer.Start(ctx, "dispatch.handle",
		trace.WithAttributes(
			attribute.String("source", msg.Source),
			attribute.String("channel", msg.ChannelID),
			attribute.Bool("is_bot", msg.IsBot),
		))
	defer span.End()

	if d.ultra != nil && !msg.IsBot && d.ultra.ShouldTrigger(msg.Content) {
		d.runUltraWork(ctx, msg)
		return
	}

	sel := d.selector.Select(msg)
	span.SetAttributes(attribute.String("reason", sel.Reason), attribute.Int("selected", len(sel.AgentIDs)))
	if sel.Blocked {
		slog.Debug("routing blocked", "channel", msg.ChannelID, "reason", sel.BlockReason)
		return
	}
	if len(sel.AgentIDs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, agentID := range sel.AgentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			d.dispatchTo(ctx, agentID, msg)
		}(agentID)
	}
	wg.Wait()
}

// dispatchTo sends one message to one agent, queuing on backpressure.
func (d *Dispatcher) dispatchTo(ctx context.Context, agentID string, msg bus.InboundMessage) {
	ctx, span := d.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(attribute.String("agent", agentID)))
	defer span.End()

	prompt := buildPrompt(msg)

	rt, isNew, err := d.manager.Get(ctx, msg.Source, msg.ChannelID, agentID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolFull) {
			d.enqueue(agentID, prompt, msg)
			return
		}
		slog.Warn("runtime unavailable", "agent", agentID, "error", err)
		return
	}
	if isNew {
		d.installDrainHook(agentID, rt)
	}
	defer d.manager.Release(agentID, rt)

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	reply, err := rt.Send(sendCtx, prompt)
	cancel()
	if err != nil {
		if errors.Is(err, runtime.ErrBusy) {
			d.enqueue(agentID, prompt, msg)
			return
		}
		slog.Warn("send failed", "agent", agentID, "error", err)
		return
	}

	d.deliver(ctx, agentID, reply.SessionID, msg, reply.Response, rt)
}

// deliver applies enforcement, follows delegations, publishes the reply and
// records routing state.
func (d *Dispatcher) deliver(ctx context.Context, agentID, sessionID string, msg bus.InboundMessage, response string, rt runtime.Runtime) {
	req := enforce.Request{
		AgentID:   agentID,
		SessionID: sessionID,
		ChannelID: msg.ChannelID,
		IsBot:     msg.IsBot,
	}
	response = d.pipeline.Process(ctx, req, response, func(ctx context.Context, feedback string) (string, error) {
		retryCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		reply, err := rt.Send(retryCtx, buildPrompt(msg)+"\n\n"+feedback)
		if err != nil {
			return "", err
		}
		return reply.Response, nil
	})

	// a tier-1 response may carry a delegation; strip it and follow it
	if parsed := delegate.Parse(response); parsed != nil && d.delegates != nil {
		response = parsed.Cleaned
		d.runDelegation(ctx, agentID, parsed, msg)
	}

	if response != "" {
		d.router.PublishOutbound(bus.OutboundMessage{
			Source:    msg.Source,
			ChannelID: msg.ChannelID,
			AgentID:   agentID,
			Content:   response,
		})
	}
	d.selector.RecordResponse(agentID, msg.ChannelID)
}

// runDelegation executes a parsed delegation against the target agent and
// publishes the target's (enforced) response into the channel.
func (d *Dispatcher) runDelegation(ctx context.Context, fromAgentID string, parsed *delegate.Parsed, msg bus.InboundMessage) {
	req := delegate.Request{
		From:      fromAgentID,
		To:        parsed.To,
		Task:      parsed.Task,
		ChannelID: msg.ChannelID,
		Source:    msg.Source,
	}
	res, err := d.delegates.Execute(ctx, req, func(ctx context.Context, toAgentID, prompt string) (string, error) {
		rt, isNew, err := d.manager.Get(ctx, msg.Source, msg.ChannelID, toAgentID)
		if err != nil {
			return "", err
		}
		if isNew {
			d.installDrainHook(toAgentID, rt)
		}
		defer d.manager.Release(toAgentID, rt)

		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
		reply, err := rt.Send(sendCtx, prompt)
		if err != nil {
			return "", err
		}
		out := d.pipeline.Process(ctx, enforce.Request{
			AgentID:          toAgentID,
			SessionID:        reply.SessionID,
			ChannelID:        msg.ChannelID,
			IsDelegation:     true,
			DelegationPrompt: prompt,
			ModifiedFiles:    d.modifiedFiles(ctx),
		}, reply.Response, nil)
		return out, nil
	}, d.notify)
	if err != nil {
		return
	}

	d.router.PublishOutbound(bus.OutboundMessage{
		Source:    msg.Source,
		ChannelID: msg.ChannelID,
		AgentID:   parsed.To,
		Content:   res.Response,
	})
	d.selector.RecordResponse(parsed.To, msg.ChannelID)
}

// runUltraWork drives a bounded autonomous loop with the channel's default
// agent (or the global default) as lead.
func (d *Dispatcher) runUltraWork(ctx context.Context, msg bus.InboundMessage) {
	lead := d.cfg.DefaultAgentID()
	if ov := d.cfg.Override(msg.ChannelID); ov != nil && ov.DefaultAgent != "" {
		lead = ov.DefaultAgent
	}
	if lead == "" {
		d.notify(msg.ChannelID, "ultrawork needs a default agent configured")
		return
	}

	d.notify(msg.ChannelID, fmt.Sprintf("ultrawork started with %s", lead))
	res, err := d.ultra.Run(ctx, ultrawork.Request{
		AgentID:   lead,
		ChannelID: msg.ChannelID,
		Source:    msg.Source,
		Prompt:    msg.Content,
	}, func(ctx context.Context, agentID, prompt string) (string, error) {
		rt, isNew, err := d.manager.Get(ctx, msg.Source, msg.ChannelID, agentID)
		if err != nil {
			return "", err
		}
		if isNew {
			d.installDrainHook(agentID, rt)
		}
		defer d.manager.Release(agentID, rt)
		reply, err := rt.Send(ctx, prompt)
		if err != nil {
			return "", err
		}
		return reply.Response, nil
	}, d.notify)
	if err != nil {
		d.notify(msg.ChannelID, fmt.Sprintf("ultrawork failed: %v", err))
		return
	}

	d.router.PublishOutbound(bus.OutboundMessage{
		Source:    msg.Source,
		ChannelID: msg.ChannelID,
		AgentID:   lead,
		Content:   fmt.Sprintf("%s\n\n(ultrawork: %d steps, %s, %s)", res.FinalResponse, res.Steps, res.Duration.Round(time.Second), res.StopReason),
	})
	d.selector.RecordResponse(lead, msg.ChannelID)
}

// installDrainHook drains the agent's queue whenever a runtime goes idle.
// Installed once per runtime.
func (d *Dispatcher) installDrainHook(agentID string, rt runtime.Runtime) {
	key := fmt.Sprintf("%s|%p", agentID, rt)
	d.mu.Lock()
	if d.drained[key] {
		d.mu.Unlock()
		return
	}
	d.drained[key] = true
	d.mu.Unlock()

	rt.OnIdle(func() {
		go d.drainQueue(agentID, rt)
	})
	rt.OnClose(func() {
		d.mu.Lock()
		delete(d.drained, key)
		d.mu.Unlock()
	})
}

// drainQueue flushes queued messages through an idle runtime.
func (d *Dispatcher) drainQueue(agentID string, rt runtime.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	d.queues.Drain(ctx, agentID, rt, func(agentID string, qm queue.Message, reply *runtime.Reply) {
		d.deliver(ctx, agentID, reply.SessionID, qm.Context, reply.Response, rt)
	})
}

func (d *Dispatcher) enqueue(agentID, prompt string, msg bus.InboundMessage) {
	slog.Debug("agent busy, queueing", "agent", agentID, "channel", msg.ChannelID)
	d.queues.Enqueue(agentID, queue.Message{
		Prompt:     prompt,
		ChannelID:  msg.ChannelID,
		Source:     msg.Source,
		EnqueuedAt: time.Now(),
		Context:    msg,
	})
}

func (d *Dispatcher) notify(channelID, text string) {
	// notices go out on every source the channel ID belongs to; in practice
	// channel IDs are source-scoped so the gateway ignores foreign ones
	d.router.PublishOutbound(bus.OutboundMessage{ChannelID: channelID, Content: text})
}

// buildPrompt frames an inbound message for the agent.
func buildPrompt(msg bus.InboundMessage) string {
	who := msg.UserID
	if msg.IsBot && msg.SenderAgentID != "" {
		who = msg.SenderAgentID
	}
	if who == "" {
		who = "user"
	}
	prompt := fmt.Sprintf("[%s] %s: %s", msg.ChannelName, who, msg.Content)
	if msg.ChannelName == "" {
		prompt = fmt.Sprintf("%s: %s", who, msg.Content)
	}
	if len(msg.Files) > 0 {
		prompt += "\nAttached files:"
		for _, f := range msg.Files {
			prompt += "\n- " + f
		}
	}
	return prompt
}
