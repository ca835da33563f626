package enforce

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// fileTokenRe finds path-looking tokens: something with a slash or a dotted
// extension.
var fileTokenRe = regexp.MustCompile(`[\w./-]*(?:/[\w.-]+|\w\.\w{1,10})`)

// ScopeGuard compares the files a delegated task actually touched against
// the files its EXPECTED OUTCOME named. It never blocks: scope creep is
// appended as a warning, escalating to NEEDS_REVIEW severity at the
// threshold.
type ScopeGuard struct {
	threshold int
}

// NewScopeGuard reads the violation threshold from config.
func NewScopeGuard(cfg *config.Config) *ScopeGuard {
	threshold := cfg.EnforcementSnapshot().ScopeGuard.ViolationThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &ScopeGuard{threshold: threshold}
}

func (g *ScopeGuard) Name() string { return "scope_guard" }

// Check applies to delegated tasks only.
func (g *ScopeGuard) Check(req Request, response string, attempt int) StageResult {
	if !req.IsDelegation || len(req.ModifiedFiles) == 0 {
		return StageResult{Valid: true}
	}
	expected := ExpectedFiles(req.DelegationPrompt)
	if len(expected) == 0 {
		return StageResult{Valid: true}
	}

	var unexpected []string
	for _, f := range req.ModifiedFiles {
		if !expected[f] {
			unexpected = append(unexpected, f)
		}
	}
	if len(unexpected) == 0 {
		return StageResult{Valid: true}
	}

	severity := "WARNING"
	if len(unexpected) >= g.threshold {
		severity = "NEEDS_REVIEW"
	}
	warning := fmt.Sprintf("\n\n[%s] scope: %d file(s) modified outside the expected outcome: %s",
		severity, len(unexpected), strings.Join(unexpected, ", "))
	return StageResult{Valid: true, Modified: response + warning}
}

// ExpectedFiles extracts the file set named in a delegation prompt's
// EXPECTED OUTCOME section.
func ExpectedFiles(delegationPrompt string) map[string]bool {
	section := sectionBody(delegationPrompt, "EXPECTED OUTCOME:")
	if section == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, tok := range fileTokenRe.FindAllString(section, -1) {
		tok = strings.Trim(tok, "./")
		if tok != "" {
			out["./"+tok] = true
			out[tok] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sectionBody returns the text between a section header and the next known
// header (or end of prompt).
func sectionBody(prompt, header string) string {
	upper := strings.ToUpper(prompt)
	start := strings.Index(upper, header)
	if start < 0 {
		return ""
	}
	body := prompt[start+len(header):]
	end := len(body)
	for _, h := range formatHeaders {
		if h == header {
			continue
		}
		if i := strings.Index(strings.ToUpper(body), h); i >= 0 && i < end {
			end = i
		}
	}
	return body[:end]
}

// formatHeaders mirrors the delegation discipline sections.
var formatHeaders = []string{
	"TASK:", "EXPECTED OUTCOME:", "MUST DO:", "MUST NOT DO:", "REQUIRED TOOLS:", "CONTEXT:",
}
