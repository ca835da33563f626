package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
)

// scriptedRuntime replays canned send outcomes in order.
type scriptedRuntime struct {
	sent []string
	errs []error
}

func (s *scriptedRuntime) Send(ctx context.Context, prompt string) (*runtime.Reply, error) {
	i := len(s.sent)
	s.sent = append(s.sent, prompt)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &runtime.Reply{Response: "re:" + prompt}, nil
}

func (s *scriptedRuntime) Ready() bool              { return true }
func (s *scriptedRuntime) Stop()                    {}
func (s *scriptedRuntime) State() runtime.State     { return runtime.StateIdle }
func (s *scriptedRuntime) SessionID() string        { return "scripted" }
func (s *scriptedRuntime) OnIdle(func())            {}
func (s *scriptedRuntime) OnClose(func())           {}
func (s *scriptedRuntime) OnError(func(error))      {}

func TestEnqueueDropsOldestOverCapacity(t *testing.T) {
	q := New(Config{MaxSize: 5})
	for i := 0; i < 7; i++ {
		q.Enqueue("a", Message{Prompt: fmt.Sprintf("m%d", i)})
	}
	assert.Equal(t, 5, q.Len("a"))

	rt := &scriptedRuntime{}
	q.Drain(context.Background(), "a", rt, nil)
	// m0 and m1 were dropped, drain sends the remaining five
	assert.Equal(t, []string{"m2", "m3", "m4", "m5", "m6"}, rt.sent)
}

func TestDrainFIFOAndCallback(t *testing.T) {
	q := New(Config{})
	q.Enqueue("a", Message{Prompt: "one", ChannelID: "c1"})
	q.Enqueue("a", Message{Prompt: "two", ChannelID: "c1"})

	rt := &scriptedRuntime{}
	var replies []string
	q.Drain(context.Background(), "a", rt, func(agentID string, msg Message, reply *runtime.Reply) {
		replies = append(replies, reply.Response)
	})

	assert.Equal(t, []string{"one", "two"}, rt.sent)
	assert.Equal(t, []string{"re:one", "re:two"}, replies)
	assert.Equal(t, 0, q.Len("a"))
}

func TestDrainSkipsExpired(t *testing.T) {
	q := New(Config{TTL: time.Minute})
	q.Enqueue("a", Message{Prompt: "stale", EnqueuedAt: time.Now().Add(-2 * time.Minute)})
	q.Enqueue("a", Message{Prompt: "fresh"})

	rt := &scriptedRuntime{}
	q.Drain(context.Background(), "a", rt, nil)
	assert.Equal(t, []string{"fresh"}, rt.sent)
}

func TestDrainStopsOnBusyWithoutReenqueue(t *testing.T) {
	q := New(Config{})
	q.Enqueue("a", Message{Prompt: "one"})
	q.Enqueue("a", Message{Prompt: "two"})

	rt := &scriptedRuntime{errs: []error{runtime.ErrBusy}}
	q.Drain(context.Background(), "a", rt, nil)

	require.Equal(t, []string{"one"}, rt.sent)
	// "one" is gone (not re-enqueued), "two" still waits for the next idle
	assert.Equal(t, 1, q.Len("a"))
}

func TestDrainDepthCap(t *testing.T) {
	q := New(Config{MaxSize: 10})
	for i := 0; i < 7; i++ {
		q.Enqueue("a", Message{Prompt: fmt.Sprintf("m%d", i)})
	}
	rt := &scriptedRuntime{}
	q.Drain(context.Background(), "a", rt, nil)
	assert.Len(t, rt.sent, 5)
	assert.Equal(t, 2, q.Len("a"))
}

func TestClearExpired(t *testing.T) {
	q := New(Config{TTL: time.Minute})
	q.Enqueue("a", Message{Prompt: "stale", EnqueuedAt: time.Now().Add(-2 * time.Minute)})
	q.Enqueue("a", Message{Prompt: "fresh"})
	q.Enqueue("b", Message{Prompt: "stale", EnqueuedAt: time.Now().Add(-2 * time.Minute)})

	assert.Equal(t, 2, q.ClearExpired())
	assert.Equal(t, 1, q.Len("a"))
	assert.Equal(t, 0, q.Len("b"))
}
