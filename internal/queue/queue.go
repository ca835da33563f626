// Package queue absorbs messages for busy agents: one bounded FIFO per
// agent with a TTL, drained when the agent goes idle.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
)

const (
	// maxDrainDepth caps one drain pass; a safety rail against unbounded
	// recursion when sends keep enqueueing.
	maxDrainDepth = 5
)

// Message is one queued prompt with its originating context.
type Message struct {
	Prompt     string
	ChannelID  string
	Source     string
	EnqueuedAt time.Time
	Context    bus.InboundMessage
}

// SendFunc delivers a drained message and handles its response.
type SendFunc func(agentID string, msg Message, reply *runtime.Reply)

// Queue holds per-agent FIFOs.
type Queue struct {
	maxSize int
	ttl     time.Duration

	mu     sync.Mutex
	queues map[string][]Message
}

// Config tunes queue bounds.
type Config struct {
	MaxSize int           // default 5
	TTL     time.Duration // default 3m
}

// New creates an empty queue set.
func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Minute
	}
	return &Queue{
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		queues:  make(map[string][]Message),
	}
}

// Enqueue appends a message for a busy agent. When the queue is over
// capacity the oldest message is dropped.
func (q *Queue) Enqueue(agentID string, msg Message) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := append(q.queues[agentID], msg)
	if len(fifo) > q.maxSize {
		dropped := fifo[0]
		fifo = fifo[1:]
		slog.Warn("queue full, dropping oldest", "agent", agentID, "channel", dropped.ChannelID, "age", time.Since(dropped.EnqueuedAt))
	}
	q.queues[agentID] = fifo
}

// Len reports the queue depth for an agent.
func (q *Queue) Len(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[agentID])
}

// Drain sends queued messages through rt until the queue is empty, the
// depth cap is hit, or the runtime reports Busy. Expired messages are
// discarded. A Busy send is NOT re-enqueued: the message is already at the
// head and retrying immediately would livelock against the next idle event.
func (q *Queue) Drain(ctx context.Context, agentID string, rt runtime.Runtime, send SendFunc) {
	for depth := 0; depth < maxDrainDepth; depth++ {
		msg, ok := q.pop(agentID)
		if !ok {
			return
		}
		if time.Since(msg.EnqueuedAt) > q.ttl {
			slog.Debug("queued message expired", "agent", agentID, "channel", msg.ChannelID)
			continue
		}

		reply, err := rt.Send(ctx, msg.Prompt)
		if err != nil {
			if errors.Is(err, runtime.ErrBusy) {
				slog.Debug("drain stopped, runtime busy", "agent", agentID, "remaining", q.Len(agentID))
				return
			}
			slog.Warn("drain send failed", "agent", agentID, "error", err)
			return
		}
		if send != nil {
			send(agentID, msg, reply)
		}
	}
	if n := q.Len(agentID); n > 0 {
		slog.Debug("drain depth cap reached", "agent", agentID, "remaining", n)
	}
}

func (q *Queue) pop(agentID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.queues[agentID]
	if len(fifo) == 0 {
		delete(q.queues, agentID)
		return Message{}, false
	}
	msg := fifo[0]
	if len(fifo) == 1 {
		delete(q.queues, agentID)
	} else {
		q.queues[agentID] = fifo[1:]
	}
	return msg, true
}

// ClearExpired drops TTL-expired messages from every queue. Run from the
// maintenance scheduler.
func (q *Queue) ClearExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	total := 0
	for agentID, fifo := range q.queues {
		kept := fifo[:0]
		for _, msg := range fifo {
			if now.Sub(msg.EnqueuedAt) > q.ttl {
				total++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(q.queues, agentID)
		} else {
			q.queues[agentID] = kept
		}
	}
	if total > 0 {
		slog.Debug("expired queued messages cleared", "count", total)
	}
	return total
}
