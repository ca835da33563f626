package dispatch

import (
	"context"
	"os/exec"
	"strings"
)

// gitModifiedFiles lists files the working tree has touched, staged or not,
// including untracked ones. Returns nil outside a repository or when git is
// unavailable; the scope guard skips its check in that case.
func gitModifiedFiles(ctx context.Context) []string {
	out, err := exec.CommandContext(ctx, "git", "status", "--porcelain").Output()
	if err != nil {
		return nil
	}
	return parsePorcelain(string(out))
}

// parsePorcelain extracts paths from `git status --porcelain` output: a
// two-character status, a space, then the path. Renames carry "old -> new".
func parsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}
