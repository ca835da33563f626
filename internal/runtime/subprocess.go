package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	handshakeTimeout = 30 * time.Second
	// subprocess replies can be large; raise the scanner cap well past the
	// bufio default
	maxFrameBytes = 16 << 20
)

// wire frames exchanged with the backend subprocess, one JSON object per line.
type requestFrame struct {
	Type   string `json:"type"` // "prompt"
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

type responseFrame struct {
	Type      string  `json:"type"` // "ready", "response", "error"
	ID        string  `json:"id,omitempty"`
	Response  string  `json:"response,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Usage     Usage   `json:"usage,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Subprocess is the Runtime implementation over a backend CLI speaking
// newline-delimited JSON on stdin/stdout.
type Subprocess struct {
	opts Options

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	sessionID string
	pending   chan responseFrame // nil when no send in flight

	handlersMu    sync.Mutex
	idleHandlers  []func()
	closeHandlers []func()
	errorHandlers []func(error)
	closed        bool
}

// Start launches the backend subprocess and waits for its ready handshake.
func Start(ctx context.Context, opts Options) (*Subprocess, error) {
	argv, env, err := backendCommand(opts)
	if err != nil {
		return nil, err
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, opts.Env...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s backend: %w", opts.Backend, err)
	}

	r := &Subprocess{
		opts:      opts,
		state:     StateStarting,
		cmd:       cmd,
		stdin:     stdin,
		sessionID: opts.SessionID,
	}

	ready := make(chan error, 1)
	go r.readLoop(stdout, ready)

	select {
	case err := <-ready:
		if err != nil {
			r.kill()
			return nil, fmt.Errorf("%w: handshake: %s", ErrProtocol, err)
		}
	case <-time.After(handshakeTimeout):
		r.kill()
		return nil, fmt.Errorf("%w: handshake timeout", ErrProtocol)
	case <-ctx.Done():
		r.kill()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	r.state = StateIdle
	r.mu.Unlock()
	slog.Debug("runtime started", "agent", opts.AgentID, "backend", opts.Backend, "session", r.sessionID, "pid", cmd.Process.Pid)
	return r, nil
}

// readLoop scans stdout frames until the pipe closes.
func (r *Subprocess) readLoop(stdout io.Reader, ready chan<- error) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)
	handshook := false

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame responseFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("runtime: unparseable frame", "agent", r.opts.AgentID, "error", err)
			continue
		}
		switch frame.Type {
		case "ready":
			if !handshook {
				handshook = true
				ready <- nil
			}
		case "response", "error":
			r.mu.Lock()
			ch := r.pending
			r.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		}
	}
	if !handshook {
		ready <- fmt.Errorf("stdout closed: %v", sc.Err())
	}
	r.die(fmt.Errorf("%w: stdout closed", ErrProtocol))
}

// Send writes one prompt and blocks for its response. Strictly serialized.
func (r *Subprocess) Send(ctx context.Context, prompt string) (*Reply, error) {
	r.mu.Lock()
	switch r.state {
	case StateBusy:
		r.mu.Unlock()
		return nil, ErrBusy
	case StateDead, StateStarting:
		st := r.state
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrDead, st)
	}
	r.state = StateBusy
	pending := make(chan responseFrame, 1)
	r.pending = pending
	r.mu.Unlock()

	req := requestFrame{Type: "prompt", ID: uuid.NewString(), Prompt: prompt}
	payload, _ := json.Marshal(req)
	payload = append(payload, '\n')
	if _, err := r.stdin.Write(payload); err != nil {
		r.die(fmt.Errorf("%w: stdin write: %v", ErrProtocol, err))
		return nil, fmt.Errorf("%w: stdin write: %v", ErrProtocol, err)
	}

	select {
	case <-ctx.Done():
		// caller-enforced timeout: abort the in-flight request
		r.die(ctx.Err())
		return nil, ctx.Err()
	case frame := <-pending:
		if frame.Type == "error" {
			r.die(fmt.Errorf("%w: %s", ErrProtocol, frame.Error))
			return nil, fmt.Errorf("%w: %s", ErrProtocol, frame.Error)
		}
		r.mu.Lock()
		if r.state == StateDead {
			r.mu.Unlock()
			return nil, ErrDead
		}
		r.state = StateIdle
		r.pending = nil
		if frame.SessionID != "" {
			r.sessionID = frame.SessionID
		}
		r.mu.Unlock()

		r.fireIdle()
		return &Reply{
			Response:  frame.Response,
			Usage:     frame.Usage,
			SessionID: r.sessionID,
			CostUSD:   frame.CostUSD,
		}, nil
	}
}

// Ready reports whether the runtime can accept a send.
func (r *Subprocess) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateIdle
}

// State returns the current lifecycle state.
func (r *Subprocess) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionID returns the backend session ID.
func (r *Subprocess) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Stop kills the subprocess. Safe to call from sweepers while Busy; the
// outstanding send fails.
func (r *Subprocess) Stop() {
	r.die(nil)
}

func (r *Subprocess) kill() {
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
		go func() { _ = r.cmd.Wait() }()
	}
	_ = r.stdin.Close()
}

// die transitions to Dead exactly once and fires close/error handlers.
func (r *Subprocess) die(cause error) {
	r.mu.Lock()
	if r.state == StateDead {
		r.mu.Unlock()
		return
	}
	r.state = StateDead
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	r.kill()
	if pending != nil {
		// unblock an in-flight Send with an error frame
		select {
		case pending <- responseFrame{Type: "error", Error: "runtime stopped"}:
		default:
		}
	}

	r.handlersMu.Lock()
	if r.closed {
		r.handlersMu.Unlock()
		return
	}
	r.closed = true
	closeHs := r.closeHandlers
	errHs := r.errorHandlers
	r.handlersMu.Unlock()

	if cause != nil && cause != context.Canceled {
		slog.Warn("runtime died", "agent", r.opts.AgentID, "session", r.sessionID, "cause", cause)
		for _, h := range errHs {
			h(cause)
		}
	} else {
		slog.Debug("runtime stopped", "agent", r.opts.AgentID, "session", r.sessionID)
	}
	for _, h := range closeHs {
		h()
	}
}

func (r *Subprocess) fireIdle() {
	r.handlersMu.Lock()
	hs := make([]func(), len(r.idleHandlers))
	copy(hs, r.idleHandlers)
	r.handlersMu.Unlock()
	for _, h := range hs {
		h()
	}
}

// OnIdle registers a handler fired after every successful send.
func (r *Subprocess) OnIdle(fn func()) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.idleHandlers = append(r.idleHandlers, fn)
}

// OnClose registers a handler fired once when the runtime dies.
func (r *Subprocess) OnClose(fn func()) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.closeHandlers = append(r.closeHandlers, fn)
}

// OnError registers a handler fired on protocol failures.
func (r *Subprocess) OnError(fn func(error)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.errorHandlers = append(r.errorHandlers, fn)
}
