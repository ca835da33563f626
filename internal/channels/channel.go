// Package channels connects external chat platforms (Discord, Telegram, a
// WebSocket gateway for mobile clients) to the orchestration core via the
// message bus.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
)

// Channel is one platform adapter.
type Channel interface {
	// Name returns the source identifier ("discord", "telegram", "websocket").
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is receiving messages.
	IsRunning() bool
}

// BaseChannel carries the shared plumbing adapters embed.
type BaseChannel struct {
	name    string
	bus     bus.MessageRouter
	running bool
}

// NewBaseChannel creates the shared base.
func NewBaseChannel(name string, router bus.MessageRouter) *BaseChannel {
	return &BaseChannel{name: name, bus: router}
}

// Name returns the source identifier.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the running state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Publish forwards a received message to the core.
func (c *BaseChannel) Publish(msg bus.InboundMessage) {
	msg.Source = c.name
	c.bus.PublishInbound(msg)
}

// Truncate shortens s to maxLen for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ExtractMentions finds agent references in content. An agent is mentioned
// by "@id", "@DisplayName", or a raw platform mention already resolved to
// one of the given names. Matching is case-insensitive.
func ExtractMentions(content string, names map[string]string) []string {
	lower := strings.ToLower(content)
	var mentioned []string
	seen := map[string]bool{}
	for agentID, display := range names {
		if seen[agentID] {
			continue
		}
		if strings.Contains(lower, "@"+strings.ToLower(agentID)) ||
			(display != "" && strings.Contains(lower, "@"+strings.ToLower(display))) {
			mentioned = append(mentioned, agentID)
			seen[agentID] = true
		}
	}
	return mentioned
}

// SplitMessage breaks content into chunks of at most maxLen bytes,
// preferring newline boundaries past the halfway point.
func SplitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}
