package routing

import (
	"log/slog"
	"regexp"
	"sort"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

// CategoryRouter matches message content against configured category
// patterns. Patterns compile once at construction; the hot path only reads.
type CategoryRouter struct {
	categories []compiledCategory
}

type compiledCategory struct {
	name     string
	priority int
	patterns []*regexp.Regexp
	agentIDs []string
}

// CategoryMatch is the result of a successful category lookup.
type CategoryMatch struct {
	Category      string
	MatchedAgents []string
}

// NewCategoryRouter compiles categories sorted by descending priority.
// Invalid patterns are skipped with a warning rather than failing the whole
// router; config validation reports them separately.
func NewCategoryRouter(categories []config.CategoryConfig) *CategoryRouter {
	sorted := make([]config.CategoryConfig, len(categories))
	copy(sorted, categories)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	r := &CategoryRouter{}
	for _, cat := range sorted {
		cc := compiledCategory{name: cat.Name, priority: cat.Priority, agentIDs: cat.AgentIDs}
		for _, pat := range cat.Patterns {
			re, err := regexp.Compile("(?is)" + pat)
			if err != nil {
				slog.Warn("category pattern skipped", "category", cat.Name, "pattern", pat, "error", err)
				continue
			}
			cc.patterns = append(cc.patterns, re)
		}
		if len(cc.patterns) > 0 {
			r.categories = append(r.categories, cc)
		}
	}
	return r
}

// Match returns the first category (highest priority) with a matching
// pattern, its agent list intersected with available. Nil when nothing
// matches.
func (r *CategoryRouter) Match(content string, available map[string]bool) *CategoryMatch {
	for _, cat := range r.categories {
		for _, re := range cat.patterns {
			if !re.MatchString(content) {
				continue
			}
			m := &CategoryMatch{Category: cat.name}
			for _, id := range cat.agentIDs {
				if available[id] {
					m.MatchedAgents = append(m.MatchedAgents, id)
				}
			}
			return m
		}
	}
	return nil
}
