package ultrawork

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/delegate"
)

func ultraConfig() *config.Config {
	cfg := config.Default()
	cfg.UltraWork.Enabled = true
	cfg.UltraWork.TriggerKeywords = []string{"ultrawork"}
	cfg.Agents = map[string]*config.AgentConfig{
		"lead":   {Tier: 1, CanDelegate: true},
		"worker": {Tier: 2},
	}
	return cfg
}

func newController(cfg *config.Config) *Controller {
	return NewController(cfg, delegate.NewManager(cfg, nil))
}

func TestShouldTrigger(t *testing.T) {
	c := newController(ultraConfig())
	assert.True(t, c.ShouldTrigger("please ULTRAWORK this backlog"))
	assert.False(t, c.ShouldTrigger("normal request"))

	off := ultraConfig()
	off.UltraWork.Enabled = false
	assert.False(t, newController(off).ShouldTrigger("ultrawork"))
}

func TestRunStopsOnCompletion(t *testing.T) {
	c := newController(ultraConfig())
	steps := 0
	res, err := c.Run(context.Background(), Request{AgentID: "lead", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			steps++
			if steps < 3 {
				return "still working", nil
			}
			return "all done. TASK_COMPLETE", nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, res.StopReason)
	assert.Equal(t, 3, res.Steps)
	assert.Contains(t, res.FinalResponse, "TASK_COMPLETE")
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	cfg := ultraConfig()
	cfg.UltraWork.MaxSteps = 4
	c := newController(cfg)

	res, err := c.Run(context.Background(), Request{AgentID: "lead", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			return "never finishing", nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxSteps, res.StopReason)
	assert.Equal(t, 4, res.Steps)
}

func TestRunFollowsDelegation(t *testing.T) {
	c := newController(ultraConfig())
	var prompts []string
	res, err := c.Run(context.Background(), Request{AgentID: "lead", ChannelID: "c1", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			prompts = append(prompts, agentID+": "+prompt)
			switch {
			case agentID == "worker":
				return "worker finished the subtask", nil
			case len(prompts) == 1:
				return "DELEGATE::worker::handle the subtask", nil
			default:
				return "TASK_COMPLETE", nil
			}
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, res.StopReason)

	// lead step, delegated worker step, lead continuation
	require.Len(t, prompts, 3)
	assert.Contains(t, prompts[1], "worker:")
	assert.Contains(t, prompts[2], "worker reported back")
}

func TestRunSurvivesRejectedDelegation(t *testing.T) {
	c := newController(ultraConfig())
	calls := 0
	res, err := c.Run(context.Background(), Request{AgentID: "lead", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			calls++
			if calls == 1 {
				return "DELEGATE::lead::self delegation", nil // rejected: self
			}
			assert.Contains(t, prompt, "Delegation to lead failed")
			return "TASK_COMPLETE", nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, res.StopReason)
}

func TestRunStepTimeoutContinues(t *testing.T) {
	cfg := ultraConfig()
	cfg.UltraWork.StepTimeoutMs = 20
	cfg.UltraWork.MaxSteps = 3
	c := newController(cfg)

	calls := 0
	res, err := c.Run(context.Background(), Request{AgentID: "lead", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			calls++
			if calls == 1 {
				<-ctx.Done() // simulate a hung send honoring cancellation
				return "", ctx.Err()
			}
			assert.Contains(t, prompt, "timed out")
			return "TASK_COMPLETE", nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, res.StopReason)
	assert.Equal(t, 2, res.Steps)
}

func TestRunStopsAtMaxDuration(t *testing.T) {
	cfg := ultraConfig()
	cfg.UltraWork.MaxDurationMs = 30
	c := newController(cfg)

	res, err := c.Run(context.Background(), Request{AgentID: "lead", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			time.Sleep(25 * time.Millisecond)
			return "still going", nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxDuration, res.StopReason)
	assert.Less(t, res.Steps, 20)
}

func TestRunPropagatesAgentFailure(t *testing.T) {
	c := newController(ultraConfig())
	_, err := c.Run(context.Background(), Request{AgentID: "lead", Prompt: "go"},
		func(ctx context.Context, agentID, prompt string) (string, error) {
			return "", fmt.Errorf("backend crashed")
		}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend crashed")
}
