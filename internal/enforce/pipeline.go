// Package enforce applies response-quality middleware to every agent
// response: flattery rejection, evidence-gated approvals, scope warnings
// and incomplete-task reminders, with retry and downgrade semantics.
package enforce

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// Request carries everything the stages need to judge one response.
type Request struct {
	AgentID          string
	SessionID        string
	ChannelID        string
	IsBot            bool // responding to an agent-authored message
	IsDelegation     bool
	DelegationPrompt string   // original delegation prompt (scope + todo parsing)
	ModifiedFiles    []string // from the environment (git diff), may be nil
}

// StageResult is one stage's verdict.
type StageResult struct {
	Valid    bool
	Modified string // replacement response text when non-empty
	Feedback string // appended to the agent prompt on retry
	Retry    bool
}

// Stage checks one response. attempt counts prior retries for this stage in
// this pipeline run, letting stages downgrade once retries are exhausted.
type Stage interface {
	Name() string
	Check(req Request, response string, attempt int) StageResult
}

// ResendFunc re-executes the originating agent send with feedback appended
// to the prompt.
type ResendFunc func(ctx context.Context, feedback string) (string, error)

// Pipeline is the ordered stage chain. Stages share nothing; the todo
// tracker keeps its own per-session scratch. Each retrying stage carries its
// own retry budget: the validator's max_retries and the review gate's
// downgrade_after_retries.
type Pipeline struct {
	cfg    *config.Config
	events bus.EventPublisher

	mu      sync.RWMutex
	stages  []Stage
	budgets map[string]int
}

// NewPipeline builds the standard chain: validator, review gate, scope
// guard, todo tracker. Disabled stages are left out.
func NewPipeline(cfg *config.Config, events bus.EventPublisher) *Pipeline {
	p := &Pipeline{cfg: cfg, events: events}
	p.Reload()
	return p
}

// Reload rebuilds the stage chain from the current config. Called by the
// config watcher so pattern and threshold edits land without a restart. The
// todo tracker's per-session scratch starts fresh.
func (p *Pipeline) Reload() {
	ec := p.cfg.EnforcementSnapshot()

	var stages []Stage
	budgets := make(map[string]int)
	if ec.IsEnabled() {
		if ec.ResponseValidator.Enabled == nil || *ec.ResponseValidator.Enabled {
			v := NewResponseValidator(p.cfg)
			stages = append(stages, v)
			budgets[v.Name()] = retriesOrDefault(ec.ResponseValidator.MaxRetries)
		}
		if ec.ReviewGate.Enabled == nil || *ec.ReviewGate.Enabled {
			g := NewReviewGate(p.cfg)
			stages = append(stages, g)
			budgets[g.Name()] = retriesOrDefault(ec.ReviewGate.DowngradeAfterRetries)
		}
		if ec.ScopeGuard.Enabled == nil || *ec.ScopeGuard.Enabled {
			stages = append(stages, NewScopeGuard(p.cfg))
		}
		if ec.TodoTracker.Enabled == nil || *ec.TodoTracker.Enabled {
			stages = append(stages, NewTodoTracker(p.cfg))
		}
	}

	p.mu.Lock()
	p.stages = stages
	p.budgets = budgets
	p.mu.Unlock()
}

func retriesOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return 2
}

// Stages exposes the configured chain (doctor output).
func (p *Pipeline) Stages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

// Process runs the chain over a response. Rejecting stages trigger agent
// re-execution with their feedback, bounded by the stage's retry budget;
// stages that modify pass their rewrite downstream. The returned response is
// what leaves the system.
func (p *Pipeline) Process(ctx context.Context, req Request, response string, resend ResendFunc) string {
	p.mu.RLock()
	stages := p.stages
	budgets := p.budgets
	p.mu.RUnlock()

	for _, stage := range stages {
		budget := budgets[stage.Name()]
		for attempt := 0; ; attempt++ {
			res := stage.Check(req, response, attempt)
			if res.Modified != "" {
				response = res.Modified
			}
			if res.Valid {
				break
			}

			if p.events != nil {
				p.events.Broadcast(bus.Event{Name: bus.EventEnforcementRejected, Payload: map[string]string{
					"agent": req.AgentID, "stage": stage.Name(), "feedback": res.Feedback,
				}})
			}
			if !res.Retry || attempt >= budget || resend == nil {
				slog.Warn("enforcement gave up", "agent", req.AgentID, "stage", stage.Name(), "attempts", attempt)
				break
			}

			slog.Info("enforcement retry", "agent", req.AgentID, "stage", stage.Name(), "attempt", attempt+1)
			retried, err := resend(ctx, res.Feedback)
			if err != nil {
				slog.Warn("enforcement resend failed", "agent", req.AgentID, "stage", stage.Name(), "error", err)
				break
			}
			response = retried
		}
	}
	return response
}
