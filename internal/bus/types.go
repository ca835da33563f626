package bus

import "context"

// InboundMessage is a message received from a gateway (Discord, Slack, WebSocket).
// It carries everything the routing cascade needs to pick responding agents.
type InboundMessage struct {
	Source            string            `json:"source"`                        // gateway name: "discord", "telegram", "websocket", "system"
	ChannelID         string            `json:"channel_id"`                    // platform channel / conversation ID
	ChannelName       string            `json:"channel_name,omitempty"`        // human-readable channel name
	UserID            string            `json:"user_id,omitempty"`             // platform user ID of the sender
	Content           string            `json:"content"`                       // message text
	IsBot             bool              `json:"is_bot,omitempty"`              // true when the sender is one of our agents
	SenderAgentID     string            `json:"sender_agent_id,omitempty"`     // set for agent-authored messages
	MentionedAgentIDs []string          `json:"mentioned_agent_ids,omitempty"` // agents @-mentioned in the message
	MessageID         string            `json:"message_id,omitempty"`          // platform message ID (dedupe, replies)
	Files             []string          `json:"files,omitempty"`               // attached file paths or URLs
	Metadata          map[string]string `json:"metadata,omitempty"`            // gateway-specific extras
}

// OutboundMessage is a reply to be delivered through a gateway.
type OutboundMessage struct {
	Source    string            `json:"source"`
	ChannelID string            `json:"channel_id"`
	AgentID   string            `json:"agent_id,omitempty"` // responding agent (for display-name prefixing)
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event is a runtime control-surface event broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Runtime control-surface event names.
const (
	EventProcessCreated      = "process-created"
	EventAgentIdle           = "agent.idle"
	EventDelegationStarted   = "delegation.started"
	EventDelegationCompleted = "delegation.completed"
	EventDelegationRejected  = "delegation.rejected"
	EventEnforcementRejected = "enforcement.rejected"
	EventChainBlocked        = "chain.blocked"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the dispatcher and pools to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between gateways
// and the orchestration core.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
