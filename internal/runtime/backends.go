package runtime

import (
	"fmt"
	"strings"
)

// backendCommand builds argv and extra env for a backend subprocess.
// Each backend CLI is launched in its streaming JSON mode so the wire
// protocol is newline-delimited JSON both ways.
func backendCommand(opts Options) (argv []string, env []string, err error) {
	switch opts.Backend {
	case "", "claude":
		argv = []string{"claude", "--input-format", "stream-json", "--output-format", "stream-json", "--print"}
		if opts.Model != "" {
			argv = append(argv, "--model", opts.Model)
		}
		if opts.SystemPrompt != "" {
			argv = append(argv, "--append-system-prompt", opts.SystemPrompt)
		}
		if len(opts.AllowedTools) > 0 {
			argv = append(argv, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
		}
		if len(opts.DisallowedTools) > 0 {
			argv = append(argv, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
		}
		if opts.SessionID != "" {
			argv = append(argv, "--session-id", opts.SessionID)
		}
	case "codex":
		argv = []string{"codex", "proto"}
		if opts.Model != "" {
			argv = append(argv, "--model", opts.Model)
		}
		if opts.SystemPrompt != "" {
			env = append(env, "CODEX_SYSTEM_PROMPT="+opts.SystemPrompt)
		}
	case "gemini":
		argv = []string{"gemini", "--experimental-acp"}
		if opts.Model != "" {
			argv = append(argv, "--model", opts.Model)
		}
		if opts.SystemPrompt != "" {
			env = append(env, "GEMINI_SYSTEM_MD="+opts.SystemPrompt)
		}
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
	return argv, env, nil
}
