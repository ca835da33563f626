package routing

import (
	"sync"
	"time"
)

// chainState tracks consecutive bot responses in one channel.
type chainState struct {
	length         int
	lastResponseAt time.Time
	lastAgentID    string
	blocked        bool
}

func (c *chainState) reset() {
	c.length = 0
	c.lastResponseAt = time.Time{}
	c.lastAgentID = ""
	c.blocked = false
}

// historyCap bounds the response history ring.
const historyCap = 100

// ResponseRecord is one entry in the bounded response history.
type ResponseRecord struct {
	AgentID   string
	ChannelID string
	At        time.Time
}

// historyRing is a fixed-capacity ring buffer of response records.
type historyRing struct {
	mu    sync.Mutex
	buf   [historyCap]ResponseRecord
	next  int
	count int
}

func (h *historyRing) append(rec ResponseRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = rec
	h.next = (h.next + 1) % historyCap
	if h.count < historyCap {
		h.count++
	}
}

// snapshot returns records oldest-first.
func (h *historyRing) snapshot() []ResponseRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ResponseRecord, 0, h.count)
	start := h.next - h.count
	if start < 0 {
		start += historyCap
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%historyCap])
	}
	return out
}
