package enforce

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

var checklistItemRe = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+(.+)$`)

type todoItem struct {
	text string
	done bool
}

// TodoTracker keeps a per-session checklist parsed from the delegation's
// EXPECTED OUTCOME and reminds agents about unfinished items at turn
// boundaries. Reminders are turn-boundary only; the subprocess protocol has
// no mid-turn injection channel.
type TodoTracker struct {
	remind bool
	tokens []string

	mu      sync.Mutex
	scratch map[string][]todoItem
}

// NewTodoTracker reads completion tokens from config.
func NewTodoTracker(cfg *config.Config) *TodoTracker {
	ec := cfg.EnforcementSnapshot()
	tokens := ec.Patterns.Completion
	if len(tokens) == 0 {
		tokens = defaultCompletionTokens
	}
	return &TodoTracker{
		remind:  ec.TodoTracker.ReminderOnIncomplete == nil || *ec.TodoTracker.ReminderOnIncomplete,
		tokens:  tokens,
		scratch: make(map[string][]todoItem),
	}
}

func (t *TodoTracker) Name() string { return "todo_tracker" }

// Check seeds the session checklist from the delegation prompt on first
// sight, marks items completed by this response, and appends a reminder
// when the turn ends with items left.
func (t *TodoTracker) Check(req Request, response string, attempt int) StageResult {
	if req.SessionID == "" {
		return StageResult{Valid: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	items, ok := t.scratch[req.SessionID]
	if !ok && req.DelegationPrompt != "" {
		items = parseChecklist(req.DelegationPrompt)
	}
	if len(items) == 0 {
		return StageResult{Valid: true}
	}

	items = t.markCompleted(items, response)
	remaining := 0
	next := ""
	for _, it := range items {
		if !it.done {
			remaining++
			if next == "" {
				next = it.text
			}
		}
	}

	if remaining == 0 {
		delete(t.scratch, req.SessionID)
		return StageResult{Valid: true}
	}
	t.scratch[req.SessionID] = items

	if !t.remind {
		return StageResult{Valid: true}
	}
	reminder := fmt.Sprintf("\n\nRemaining: %d items. Next: %s", remaining, next)
	return StageResult{Valid: true, Modified: response + reminder}
}

// markCompleted toggles items whose text appears near a completion token,
// or whose named file the response reports creating.
func (t *TodoTracker) markCompleted(items []todoItem, response string) []todoItem {
	hasToken := false
	for _, tok := range t.tokens {
		if strings.Contains(response, tok) {
			hasToken = true
			break
		}
	}
	lower := strings.ToLower(response)
	for i := range items {
		if items[i].done {
			continue
		}
		mentioned := strings.Contains(lower, strings.ToLower(items[i].text))
		if mentioned && hasToken {
			items[i].done = true
			continue
		}
		// file-creation evidence: the item names a file the response claims
		// to have created or written
		for _, f := range fileTokenRe.FindAllString(items[i].text, -1) {
			if strings.Contains(lower, strings.ToLower(f)) &&
				(strings.Contains(lower, "created") || strings.Contains(lower, "wrote") || hasToken) {
				items[i].done = true
				break
			}
		}
	}
	return items
}

// Pending reports the open item count for a session (doctor output).
func (t *TodoTracker) Pending(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, it := range t.scratch[sessionID] {
		if !it.done {
			n++
		}
	}
	return n
}

// parseChecklist pulls list items out of the EXPECTED OUTCOME section,
// falling back to the whole prompt when the section has no list.
func parseChecklist(delegationPrompt string) []todoItem {
	section := sectionBody(delegationPrompt, "EXPECTED OUTCOME:")
	if section == "" {
		section = delegationPrompt
	}
	var items []todoItem
	for _, m := range checklistItemRe.FindAllStringSubmatch(section, -1) {
		text := strings.TrimSpace(m[1])
		if text != "" {
			items = append(items, todoItem{text: text})
		}
	}
	return items
}
