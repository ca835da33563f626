// Package ultrawork runs a bounded autonomous loop: a lead agent keeps
// working across turns, delegating as needed, until its task is complete or
// the step/time budget runs out.
package ultrawork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/delegate"
)

// Stop reasons.
const (
	StopComplete    = "complete"
	StopMaxSteps    = "max steps"
	StopMaxDuration = "max duration"
	StopFailure     = "agent failure"
)

// completionMarkers end the loop when the lead agent signals it is done.
var completionMarkers = []string{"TASK_COMPLETE", "ULTRAWORK_DONE", "작업 완료"}

// StepFunc executes one agent send. Implementations must honor ctx
// cancellation; the controller races every step against a timeout.
type StepFunc func(ctx context.Context, agentID, prompt string) (string, error)

// Request starts one run.
type Request struct {
	RunID     string
	AgentID   string
	ChannelID string
	Source    string
	Prompt    string
}

// Result summarizes a finished run.
type Result struct {
	RunID         string
	Steps         int
	Duration      time.Duration
	FinalResponse string
	StopReason    string
}

// Controller drives ultrawork runs.
type Controller struct {
	cfg       *config.Config
	delegates *delegate.Manager
}

// NewController creates a controller.
func NewController(cfg *config.Config, delegates *delegate.Manager) *Controller {
	return &Controller{cfg: cfg, delegates: delegates}
}

// ShouldTrigger reports whether a message asks for an ultrawork run.
func (c *Controller) ShouldTrigger(content string) bool {
	uw := c.cfg.UltraWorkSnapshot()
	if !uw.Enabled {
		return false
	}
	lower := strings.ToLower(content)
	for _, kw := range uw.TriggerKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Run executes the loop: send, follow any delegation, check completion,
// repeat. Caps: max steps, total duration, and a per-step timeout enforced
// with cancellation.
func (c *Controller) Run(ctx context.Context, req Request, exec StepFunc, notify delegate.NotifyFunc) (*Result, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	uw := c.cfg.UltraWorkSnapshot()
	maxSteps := uw.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 20
	}
	maxDuration := time.Duration(uw.MaxDurationMs) * time.Millisecond
	if maxDuration <= 0 {
		maxDuration = 30 * time.Minute
	}
	stepTimeout := time.Duration(uw.StepTimeoutMs) * time.Millisecond
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Minute
	}

	start := time.Now()
	deadline := start.Add(maxDuration)
	prompt := req.Prompt
	res := &Result{RunID: req.RunID}

	slog.Info("ultrawork started", "run", req.RunID, "agent", req.AgentID, "max_steps", maxSteps)
	for step := 1; step <= maxSteps; step++ {
		if time.Now().After(deadline) {
			res.StopReason = StopMaxDuration
			break
		}
		res.Steps = step

		response, err := c.executeStep(ctx, req.AgentID, prompt, stepTimeout, exec)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("ultrawork step timed out", "run", req.RunID, "step", step)
				prompt = "The previous step timed out. Continue from where you left off."
				continue
			}
			res.StopReason = StopFailure
			res.Duration = time.Since(start)
			return res, fmt.Errorf("ultrawork step %d: %w", step, err)
		}
		res.FinalResponse = response

		// follow a delegation, then hand the outcome back to the lead
		if parsed := delegate.Parse(response); parsed != nil {
			dres, derr := c.delegates.Execute(ctx, delegate.Request{
				From: req.AgentID, To: parsed.To, Task: parsed.Task,
				ChannelID: req.ChannelID, Source: req.Source,
			}, delegate.ExecFunc(exec), notify)
			if derr != nil {
				prompt = fmt.Sprintf("Delegation to %s failed: %v. Continue the task yourself.", parsed.To, derr)
				continue
			}
			prompt = fmt.Sprintf("%s reported back:\n%s\n\nContinue the task.", parsed.To, dres.Response)
			continue
		}

		if isComplete(response) {
			res.StopReason = StopComplete
			break
		}
		prompt = "Continue the task. Report TASK_COMPLETE when fully done."
	}

	if res.StopReason == "" {
		res.StopReason = StopMaxSteps
	}
	res.Duration = time.Since(start)
	slog.Info("ultrawork finished", "run", req.RunID, "steps", res.Steps, "reason", res.StopReason, "duration", res.Duration)
	return res, nil
}

// executeStep races the send against the per-step timeout.
func (c *Controller) executeStep(ctx context.Context, agentID, prompt string, timeout time.Duration, exec StepFunc) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return exec(stepCtx, agentID, prompt)
}

// isComplete detects an explicit completion signal.
func isComplete(response string) bool {
	for _, marker := range completionMarkers {
		if strings.Contains(response, marker) {
			return true
		}
	}
	return false
}
