// Package pool owns agent runtime lifecycles: per-agent bounded pools with
// LRU reuse, idle eviction and hung-process kills, plus the channel-sticky
// manager that fronts them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
)

// ErrPoolFull is the backpressure signal: the caller should enqueue instead
// of blocking.
var ErrPoolFull = errors.New("pool full")

type entry struct {
	rt         runtime.Runtime
	busy       bool
	reserved   bool // slot held while the factory runs outside the lock
	lastUsedAt time.Time
	acquiredAt time.Time
}

type agentPool struct {
	mu      sync.Mutex
	entries []*entry
}

// Pool manages one bounded runtime set per agent.
type Pool struct {
	idleTimeout time.Duration
	hungTimeout time.Duration
	events      bus.EventPublisher

	mu    sync.RWMutex
	pools map[string]*agentPool
}

// Config tunes the pool sweepers.
type Config struct {
	IdleTimeout time.Duration // default 10m
	HungTimeout time.Duration // default 15m
	Events      bus.EventPublisher
}

// New creates an empty pool set.
func New(cfg Config) *Pool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.HungTimeout <= 0 {
		cfg.HungTimeout = 15 * time.Minute
	}
	return &Pool{
		idleTimeout: cfg.IdleTimeout,
		hungTimeout: cfg.HungTimeout,
		events:      cfg.Events,
		pools:       make(map[string]*agentPool),
	}
}

func (p *Pool) agent(agentID string) *agentPool {
	p.mu.RLock()
	ap := p.pools[agentID]
	p.mu.RUnlock()
	if ap != nil {
		return ap
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ap = p.pools[agentID]; ap == nil {
		ap = &agentPool{}
		p.pools[agentID] = ap
	}
	return ap
}

// Acquire returns a busy-marked runtime for agentID, creating one when the
// pool has room. Never blocks: a full pool fails with ErrPoolFull and the
// caller falls back to its message queue.
//
// Idle entries are reused least-recently-used first. The factory runs outside
// the pool lock; its slot is reserved first and compensated on failure.
func (p *Pool) Acquire(ctx context.Context, agentID string, maxSize int, factory runtime.Factory) (runtime.Runtime, bool, error) {
	if maxSize < 1 {
		maxSize = 1
	}
	ap := p.agent(agentID)

	ap.mu.Lock()
	// 1. reuse the least-recently-used idle entry
	var pick *entry
	for _, e := range ap.entries {
		if e.busy || e.reserved || !e.rt.Ready() {
			continue
		}
		if pick == nil || e.lastUsedAt.Before(pick.lastUsedAt) {
			pick = e
		}
	}
	if pick != nil {
		pick.busy = true
		pick.acquiredAt = time.Now()
		ap.mu.Unlock()
		return pick.rt, false, nil
	}

	// 2. grow if there is room: reserve the slot, start outside the lock
	if len(ap.entries) >= maxSize {
		ap.mu.Unlock()
		return nil, false, fmt.Errorf("%w: agent %s has %d busy runtimes", ErrPoolFull, agentID, maxSize)
	}
	slot := &entry{reserved: true}
	ap.entries = append(ap.entries, slot)
	ap.mu.Unlock()

	rt, err := factory(ctx)

	ap.mu.Lock()
	if err != nil {
		ap.entries = removeEntry(ap.entries, slot)
		ap.mu.Unlock()
		return nil, false, fmt.Errorf("start runtime for %s: %w", agentID, err)
	}
	now := time.Now()
	slot.rt = rt
	slot.reserved = false
	slot.busy = true
	slot.lastUsedAt = now
	slot.acquiredAt = now
	ap.mu.Unlock()

	if p.events != nil {
		p.events.Broadcast(bus.Event{Name: bus.EventProcessCreated, Payload: ProcessCreated{
			AgentID:   agentID,
			SessionID: rt.SessionID(),
		}})
	}
	slog.Info("runtime created", "agent", agentID, "session", rt.SessionID())
	return rt, true, nil
}

// ProcessCreated is the payload of the process-created event.
type ProcessCreated struct {
	AgentID   string
	SessionID string
}

// Release returns a borrowed runtime to its pool.
func (p *Pool) Release(agentID string, rt runtime.Runtime) {
	ap := p.agent(agentID)
	ap.mu.Lock()
	defer ap.mu.Unlock()
	for _, e := range ap.entries {
		if e.rt == rt {
			e.busy = false
			e.lastUsedAt = time.Now()
			e.acquiredAt = time.Time{}
			return
		}
	}
}

// Remove drops a runtime from its pool without stopping it. Used when a
// runtime reports itself dead.
func (p *Pool) Remove(agentID string, rt runtime.Runtime) {
	ap := p.agent(agentID)
	ap.mu.Lock()
	defer ap.mu.Unlock()
	for _, e := range ap.entries {
		if e.rt == rt {
			ap.entries = removeEntry(ap.entries, e)
			return
		}
	}
}

// SweepIdle stops and evicts runtimes idle past the idle timeout.
// Empty pools are dropped.
func (p *Pool) SweepIdle() int {
	return p.sweep(func(e *entry, now time.Time) bool {
		return !e.busy && !e.reserved && now.Sub(e.lastUsedAt) > p.idleTimeout
	}, "idle")
}

// SweepHung kills runtimes that have been busy past the hung timeout.
func (p *Pool) SweepHung() int {
	return p.sweep(func(e *entry, now time.Time) bool {
		return e.busy && !e.reserved && now.Sub(e.acquiredAt) > p.hungTimeout
	}, "hung")
}

func (p *Pool) sweep(victim func(*entry, time.Time) bool, kind string) int {
	p.mu.RLock()
	ids := make([]string, 0, len(p.pools))
	for id := range p.pools {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	now := time.Now()
	total := 0
	for _, id := range ids {
		ap := p.agent(id)

		ap.mu.Lock()
		var victims []*entry
		for _, e := range ap.entries {
			if victim(e, now) {
				victims = append(victims, e)
			}
		}
		for _, e := range victims {
			ap.entries = removeEntry(ap.entries, e)
		}
		empty := len(ap.entries) == 0
		ap.mu.Unlock()

		// stop outside the lock; Stop may block on process teardown
		for _, e := range victims {
			e.rt.Stop()
			slog.Info("runtime swept", "agent", id, "kind", kind, "session", e.rt.SessionID())
		}
		total += len(victims)

		if empty {
			p.mu.Lock()
			if cur := p.pools[id]; cur == ap {
				cur.mu.Lock()
				if len(cur.entries) == 0 {
					delete(p.pools, id)
				}
				cur.mu.Unlock()
			}
			p.mu.Unlock()
		}
	}
	return total
}

// Size returns the current pool length for an agent.
func (p *Pool) Size(agentID string) int {
	p.mu.RLock()
	ap := p.pools[agentID]
	p.mu.RUnlock()
	if ap == nil {
		return 0
	}
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return len(ap.entries)
}

// StopAll stops every runtime. Used on shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	pools := p.pools
	p.pools = make(map[string]*agentPool)
	p.mu.Unlock()

	for id, ap := range pools {
		ap.mu.Lock()
		entries := ap.entries
		ap.entries = nil
		ap.mu.Unlock()
		for _, e := range entries {
			if e.rt != nil {
				e.rt.Stop()
			}
		}
		slog.Debug("pool stopped", "agent", id, "count", len(entries))
	}
}

func removeEntry(entries []*entry, target *entry) []*entry {
	for i, e := range entries {
		if e == target {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}
