package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/pool"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// contendedRuntime fails with ErrBusy a fixed number of times before
// answering, mimicking a single-slot agent occupied by a sibling task.
type contendedRuntime struct {
	busySends int
	sends     int
}

func (r *contendedRuntime) Send(_ context.Context, _ string) (*runtime.Reply, error) {
	r.sends++
	if r.sends <= r.busySends {
		return nil, runtime.ErrBusy
	}
	return &runtime.Reply{Response: "done"}, nil
}

func (r *contendedRuntime) Ready() bool          { return true }
func (r *contendedRuntime) Stop()                {}
func (r *contendedRuntime) State() runtime.State { return runtime.StateIdle }
func (r *contendedRuntime) SessionID() string    { return "s1" }
func (r *contendedRuntime) OnIdle(func())        {}
func (r *contendedRuntime) OnClose(func())       {}
func (r *contendedRuntime) OnError(func(error))  {}

type fakeAgentRunner struct {
	rt       runtime.Runtime
	fullGets int // Get calls that fail with ErrPoolFull before succeeding
	gets     int
}

func (f *fakeAgentRunner) Get(_ context.Context, _, _, _ string) (runtime.Runtime, bool, error) {
	f.gets++
	if f.gets <= f.fullGets {
		return nil, false, pool.ErrPoolFull
	}
	return f.rt, false, nil
}

func (f *fakeAgentRunner) Release(string, runtime.Runtime) {}

func TestRunTaskWaitsOutBusyRuntime(t *testing.T) {
	restore := contentionRetryDelay
	contentionRetryDelay = time.Millisecond
	defer func() { contentionRetryDelay = restore }()

	rt := &contendedRuntime{busySends: 2}
	mgr := &fakeAgentRunner{rt: rt}

	out, err := runTask(context.Background(), mgr, "run-1", store.Task{AgentID: "worker", Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, rt.sends, "two busy attempts then success")
}

func TestRunTaskWaitsOutFullPool(t *testing.T) {
	restore := contentionRetryDelay
	contentionRetryDelay = time.Millisecond
	defer func() { contentionRetryDelay = restore }()

	mgr := &fakeAgentRunner{rt: &contendedRuntime{}, fullGets: 2}
	out, err := runTask(context.Background(), mgr, "run-1", store.Task{AgentID: "worker", Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, mgr.gets)
}

func TestRunTaskStopsOnCancel(t *testing.T) {
	restore := contentionRetryDelay
	contentionRetryDelay = time.Hour // a canceled context must not wait this out
	defer func() { contentionRetryDelay = restore }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mgr := &fakeAgentRunner{rt: &contendedRuntime{busySends: 100}}
	_, err := runTask(ctx, mgr, "run-1", store.Task{AgentID: "worker", Prompt: "go"})
	assert.ErrorIs(t, err, context.Canceled)
}
