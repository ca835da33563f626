package enforce

import (
	"regexp"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
)

// ResponseValidator rejects agent-to-agent responses dominated by praise or
// filler. The flattery ratio counts matched characters after stripping code,
// and rejects strictly above the threshold.
type ResponseValidator struct {
	threshold float64
	patterns  []*regexp.Regexp
}

// NewResponseValidator compiles the configured (or default) flattery set.
func NewResponseValidator(cfg *config.Config) *ResponseValidator {
	ec := cfg.EnforcementSnapshot()
	threshold := ec.ResponseValidator.FlatteryThreshold
	if threshold <= 0 {
		threshold = 0.2
	}
	raw := ec.Patterns.Flattery
	if len(raw) == 0 {
		raw = defaultFlatteryPatterns
	}
	v := &ResponseValidator{threshold: threshold}
	for _, pat := range raw {
		if re, err := regexp.Compile(pat); err == nil {
			v.patterns = append(v.patterns, re)
		}
	}
	return v
}

func (v *ResponseValidator) Name() string { return "response_validator" }

// Check applies only to agent-to-agent traffic; human-facing responses pass
// untouched.
func (v *ResponseValidator) Check(req Request, response string, attempt int) StageResult {
	if !req.IsBot && !req.IsDelegation {
		return StageResult{Valid: true}
	}
	if ratio := v.FlatteryRatio(response); ratio > v.threshold {
		return StageResult{
			Valid:    false,
			Retry:    true,
			Feedback: "Response rejected: contains praise/flattery. Restate with results only.",
		}
	}
	return StageResult{Valid: true}
}

// FlatteryRatio is matchedChars/totalChars after stripping fenced and inline
// code. Empty (post-strip) responses score 0.
func (v *ResponseValidator) FlatteryRatio(response string) float64 {
	stripped := fencedCodeRe.ReplaceAllString(response, "")
	stripped = inlineCodeRe.ReplaceAllString(stripped, "")
	total := len([]rune(stripped))
	if total == 0 {
		return 0
	}
	matched := 0
	for _, re := range v.patterns {
		for _, m := range re.FindAllString(stripped, -1) {
			matched += len([]rune(m))
		}
	}
	return float64(matched) / float64(total)
}
