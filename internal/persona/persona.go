// Package persona loads agent system prompts from disk and interpolates
// model and mention placeholders.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// Loader resolves persona files and caches their interpolated text per agent.
// The cache is invalidated wholesale on config or persona-file reload.
type Loader struct {
	dir string
	cfg *config.Config

	mu    sync.RWMutex
	cache map[string]string
}

// NewLoader creates a loader rooted at cfg.Personas.Dir.
func NewLoader(cfg *config.Config) *Loader {
	return &Loader{
		dir:   cfg.Personas.Dir,
		cfg:   cfg,
		cache: make(map[string]string),
	}
}

// SystemPrompt returns the interpolated persona text for an agent.
// Agents without a persona file get an identity-only prompt (ephemeral
// agents live in the registry like any other).
func (l *Loader) SystemPrompt(agentID string) (string, error) {
	l.mu.RLock()
	if text, ok := l.cache[agentID]; ok {
		l.mu.RUnlock()
		return text, nil
	}
	l.mu.RUnlock()

	agent := l.cfg.Agent(agentID)
	if agent == nil {
		return "", fmt.Errorf("unknown agent %q", agentID)
	}

	var text string
	if agent.PersonaFile == "" {
		text = fmt.Sprintf("You are %s.", displayName(agentID, agent))
	} else {
		path := agent.PersonaFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(l.dir, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("load persona for %s: %w", agentID, err)
		}
		text = l.interpolate(string(raw), agentID, agent)
	}

	l.mu.Lock()
	l.cache[agentID] = text
	l.mu.Unlock()
	return text, nil
}

// Invalidate drops one agent's cached persona.
func (l *Loader) Invalidate(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, agentID)
}

// InvalidateAll drops the whole cache. Called on config reload and persona
// directory changes.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]string)
}

// interpolate substitutes {{model}}, backend-specific model placeholders and
// @DisplayName mentions.
func (l *Loader) interpolate(text, agentID string, agent *config.AgentConfig) string {
	text = strings.ReplaceAll(text, "{{model}}", agent.Model)
	text = strings.ReplaceAll(text, "{{claude_model_id}}", modelForBackend(l.cfg, "claude"))
	text = strings.ReplaceAll(text, "{{codex_model_id}}", modelForBackend(l.cfg, "codex"))

	// @DisplayName -> platform mention. The mention target is the agent ID;
	// gateways render it natively.
	for _, id := range l.cfg.AgentIDs() {
		other := l.cfg.Agent(id)
		if other == nil || other.DisplayName == "" {
			continue
		}
		text = strings.ReplaceAll(text, "@"+other.DisplayName, "@"+id)
	}
	return text
}

func displayName(agentID string, agent *config.AgentConfig) string {
	if agent.DisplayName != "" {
		return agent.DisplayName
	}
	return agentID
}

// modelForBackend returns the first configured model for a backend, so
// personas can reference sibling models without hardcoding.
func modelForBackend(cfg *config.Config, backend string) string {
	for _, id := range cfg.AgentIDs() {
		a := cfg.Agent(id)
		if a != nil && a.Backend == backend && a.Model != "" {
			return a.Model
		}
	}
	return ""
}
