// Package wsgw exposes a WebSocket gateway for mobile and CLI clients.
// Clients connect to /ws with a bearer token, send JSON message frames, and
// receive agent replies on the same connection.
package wsgw

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

const writeTimeout = 10 * time.Second

// Frame is the wire format in both directions.
// Inbound: {"type":"message","channel_id":"...","user_id":"...","content":"..."}
// Outbound: {"type":"reply","channel_id":"...","agent_id":"...","content":"..."}
type Frame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

type client struct {
	conn     *websocket.Conn
	channels map[string]bool // channel IDs this connection has spoken on
	mu       sync.Mutex
}

func (c *client) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// Channel is the WebSocket gateway adapter.
type Channel struct {
	*channels.BaseChannel
	cfg        *config.Config
	httpServer *http.Server

	mu      sync.RWMutex
	clients map[*client]bool
}

// New creates the gateway from config. The auth token comes from
// SWARMGATE_WS_TOKEN; an empty token disables auth (local dev).
func New(cfg *config.Config, router bus.MessageRouter) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("websocket", router),
		cfg:         cfg,
		clients:     make(map[*client]bool),
	}
}

// Start binds the listener and serves connections in the background.
func (c *Channel) Start(ctx context.Context) error {
	ws := c.cfg.Gateways.WebSocket
	host := ws.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, ws.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	c.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket gateway listen: %w", err)
	}
	c.SetRunning(true)
	slog.Info("websocket gateway listening", "addr", addr)

	go func() {
		if err := c.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("websocket gateway serve failed", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and all client connections.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for cl := range c.clients {
		cl.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	c.clients = make(map[*client]bool)
	return nil
}

// Send fans a reply out to every connection active on the channel.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.RLock()
	var targets []*client
	for cl := range c.clients {
		if cl.channels[msg.ChannelID] {
			targets = append(targets, cl)
		}
	}
	c.mu.RUnlock()

	frame := Frame{Type: "reply", ChannelID: msg.ChannelID, AgentID: msg.AgentID, Content: msg.Content}
	for _, cl := range targets {
		if err := cl.write(ctx, frame); err != nil {
			slog.Debug("websocket reply failed", "channel", msg.ChannelID, "error", err)
		}
	}
	return nil
}

// handleWS authenticates and upgrades one connection, then reads frames
// until the client goes away.
func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	if !c.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	cl := &client{conn: conn, channels: make(map[string]bool)}

	c.mu.Lock()
	c.clients[cl] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.clients, cl)
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			cl.write(ctx, Frame{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handleFrame(ctx, cl, f)
	}
}

func (c *Channel) handleFrame(ctx context.Context, cl *client, f Frame) {
	switch f.Type {
	case "message":
		if f.ChannelID == "" || f.Content == "" {
			cl.write(ctx, Frame{Type: "error", Error: "channel_id and content required"})
			return
		}
		cl.mu.Lock()
		cl.channels[f.ChannelID] = true
		cl.mu.Unlock()

		names := make(map[string]string)
		for _, id := range c.cfg.AgentIDs() {
			if ac := c.cfg.Agent(id); ac != nil {
				names[id] = ac.DisplayName
			}
		}
		c.Publish(bus.InboundMessage{
			ChannelID:         f.ChannelID,
			UserID:            f.UserID,
			Content:           f.Content,
			MentionedAgentIDs: channels.ExtractMentions(f.Content, names),
		})
	case "ping":
		cl.write(ctx, Frame{Type: "pong"})
	default:
		cl.write(ctx, Frame{Type: "error", Error: "unknown frame type"})
	}
}

// authorize checks the bearer token from the Authorization header or the
// token query parameter.
func (c *Channel) authorize(r *http.Request) bool {
	token := c.cfg.Gateways.WebSocket.Token
	if token == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == r.Header.Get("Authorization") {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
