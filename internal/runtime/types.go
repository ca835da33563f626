package runtime

import (
	"context"
	"errors"
)

// State is the lifecycle state of a runtime. Transitions are monotonic except
// Idle<->Busy: Starting -> Idle -> (Busy <-> Idle) -> Dead.
type State int32

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned when Send is called while a send is in flight.
	ErrBusy = errors.New("runtime busy")
	// ErrDead is returned when the subprocess is gone.
	ErrDead = errors.New("runtime dead")
	// ErrProtocol wraps subprocess I/O failures. The runtime is Dead after.
	ErrProtocol = errors.New("protocol error")
)

// Usage tracks token consumption for one send.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Reply is the result of one send.
type Reply struct {
	Response  string  `json:"response"`
	Usage     Usage   `json:"usage"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// Options configures a new runtime. Built by the process manager from agent
// config, persona text and tool permissions.
type Options struct {
	AgentID         string
	Backend         string // "claude", "codex", "gemini"
	Model           string
	SystemPrompt    string
	AllowedTools    []string
	DisallowedTools []string
	SessionID       string
	WorkDir         string
	Env             []string // extra KEY=VALUE pairs (tier hooks)
}

// Runtime adapts one backend subprocess. Sends are strictly serialized: a
// second Send while Busy fails with ErrBusy. Stop during Busy kills the
// subprocess and the outstanding send fails.
type Runtime interface {
	Send(ctx context.Context, prompt string) (*Reply, error)
	Ready() bool
	Stop()
	State() State
	SessionID() string

	// OnIdle registers a handler fired after every successful send.
	// Used by the dispatcher to drain queued messages.
	OnIdle(fn func())
	// OnClose registers a handler fired once when the runtime dies.
	OnClose(fn func())
	// OnError registers a handler fired on protocol failures.
	OnError(fn func(error))
}

// Factory creates and starts a runtime. Pools run factories outside their
// locks because startup is slow.
type Factory func(ctx context.Context) (Runtime, error)
