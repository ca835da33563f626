package enforce

import (
	"regexp"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// ReviewGate blocks approvals that carry no evidence. After the retry budget
// is spent it downgrades the approval token to NEEDS_REVIEW instead of
// blocking forever.
type ReviewGate struct {
	requireEvidence bool
	downgradeAfter  int
	tokens          []string
	tokenRes        []*regexp.Regexp
	evidence        []*regexp.Regexp
}

// NewReviewGate compiles the configured (or default) token and evidence sets.
func NewReviewGate(cfg *config.Config) *ReviewGate {
	ec := cfg.EnforcementSnapshot()
	rc := ec.ReviewGate
	g := &ReviewGate{
		requireEvidence: rc.RequireEvidence == nil || *rc.RequireEvidence,
		downgradeAfter:  rc.DowngradeAfterRetries,
	}
	if g.downgradeAfter <= 0 {
		g.downgradeAfter = 2
	}

	g.tokens = ec.Patterns.ApprovalTokens
	if len(g.tokens) == 0 {
		g.tokens = defaultApprovalTokens
	}
	for _, tok := range g.tokens {
		// word-bounded for latin tokens; Korean tokens match as substrings
		pat := regexp.QuoteMeta(tok)
		if isASCII(tok) {
			pat = `(?i)\b` + pat + `\b`
		}
		if re, err := regexp.Compile(pat); err == nil {
			g.tokenRes = append(g.tokenRes, re)
		}
	}

	raw := ec.Patterns.Evidence
	if len(raw) == 0 {
		raw = defaultEvidencePatterns
	}
	for _, pat := range raw {
		if re, err := regexp.Compile(pat); err == nil {
			g.evidence = append(g.evidence, re)
		}
	}
	return g
}

func (g *ReviewGate) Name() string { return "review_gate" }

// Check activates only when the response contains an approval token.
func (g *ReviewGate) Check(req Request, response string, attempt int) StageResult {
	if !g.requireEvidence || !g.containsApproval(response) {
		return StageResult{Valid: true}
	}
	if g.hasEvidence(response) {
		return StageResult{Valid: true}
	}
	if attempt >= g.downgradeAfter {
		return StageResult{
			Valid:    true,
			Modified: g.downgrade(response),
			Feedback: "approval downgraded: no evidence after retries",
		}
	}
	return StageResult{
		Valid:    false,
		Retry:    true,
		Feedback: "APPROVE requires evidence: test results, build status, or verification steps.",
	}
}

func (g *ReviewGate) containsApproval(response string) bool {
	for _, re := range g.tokenRes {
		if re.MatchString(response) {
			return true
		}
	}
	return false
}

func (g *ReviewGate) hasEvidence(response string) bool {
	for _, re := range g.evidence {
		if re.MatchString(response) {
			return true
		}
	}
	return false
}

// downgrade rewrites every approval token to NEEDS_REVIEW.
func (g *ReviewGate) downgrade(response string) string {
	out := response
	for _, re := range g.tokenRes {
		out = re.ReplaceAllString(out, "NEEDS_REVIEW")
	}
	return out
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}
