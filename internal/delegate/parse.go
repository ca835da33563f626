package delegate

import (
	"regexp"
	"strings"
)

// delegatePattern recognizes DELEGATE::<toAgentId>::<task>; the task runs to
// the end of the response.
var delegatePattern = regexp.MustCompile(`(?s)DELEGATE::([A-Za-z0-9_-]+)::(.+)`)

// formatSections are the required headers of a disciplined delegation task.
// A task carrying any of them must carry all of them.
var formatSections = []string{
	"TASK:",
	"EXPECTED OUTCOME:",
	"MUST DO:",
	"MUST NOT DO:",
	"REQUIRED TOOLS:",
	"CONTEXT:",
}

// Parsed is a delegation extracted from an agent response.
type Parsed struct {
	To      string
	Task    string
	Cleaned string // response with the delegation block stripped
}

// Parse extracts a delegation directive from a response. Returns nil when
// the response contains none. The directive is stripped from Cleaned so the
// channel never sees the raw marker.
func Parse(content string) *Parsed {
	loc := delegatePattern.FindStringSubmatchIndex(content)
	if loc == nil {
		return nil
	}
	to := content[loc[2]:loc[3]]
	task := strings.TrimSpace(content[loc[4]:loc[5]])
	cleaned := strings.TrimSpace(content[:loc[0]])
	return &Parsed{To: to, Task: task, Cleaned: cleaned}
}

// MissingSections applies the format gate: a task mentioning any required
// section header must contain all six. Returns nil when the task is either
// fully disciplined or free-form.
func MissingSections(task string) []string {
	upper := strings.ToUpper(task)
	any := false
	var missing []string
	for _, sec := range formatSections {
		if strings.Contains(upper, sec) {
			any = true
		} else {
			missing = append(missing, sec)
		}
	}
	if !any {
		return nil
	}
	return missing
}
