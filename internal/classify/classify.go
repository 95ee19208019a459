// Package classify resolves a work order to an execution domain. The
// classifier is a pure function over injected keyword/pattern tables so
// deployments can tune the tables without code changes.
package classify

import (
	"path"
	"strings"

	"dispatchline/internal/config"
	"dispatchline/internal/domain"
)

// Tables holds the per-domain detector inputs.
type Tables map[domain.Domain]config.DomainTable

// FromConfig builds classifier tables from loaded config.
func FromConfig(cfg *config.Config) Tables {
	t := Tables{}
	for name, tbl := range cfg.Domains {
		if d, ok := domain.ParseDomain(name); ok && d.Concrete() {
			t[d] = tbl
		}
	}
	return t
}

// Classify maps a work order to a domain. An explicit domain wins
// unconditionally. Otherwise three detectors run independently: path
// patterns over target paths, keywords over the title, keywords over the
// spec content. Zero candidates falls back to backend; more than one
// resolves to mixed.
func Classify(order domain.WorkOrder, tables Tables) domain.Domain {
	if order.Domain != domain.DomainUnset {
		return order.Domain
	}
	candidates := map[domain.Domain]bool{}
	for d, tbl := range tables {
		if matchPaths(order.Paths, tbl.PathPatterns) ||
			matchKeywords(order.Title, tbl.Keywords) ||
			matchKeywords(order.SpecContent, tbl.Keywords) {
			candidates[d] = true
		}
	}
	switch len(candidates) {
	case 0:
		return domain.DomainBackend
	case 1:
		for d := range candidates {
			return d
		}
	}
	return domain.DomainMixed
}

// Stages returns the dispatch order for a mixed work order, restricted to
// the domains that actually matched. The precedence is fixed policy, not an
// emergent property.
func Stages(order domain.WorkOrder, tables Tables) []domain.Domain {
	matched := map[domain.Domain]bool{}
	for d, tbl := range tables {
		if matchPaths(order.Paths, tbl.PathPatterns) ||
			matchKeywords(order.Title, tbl.Keywords) ||
			matchKeywords(order.SpecContent, tbl.Keywords) {
			matched[d] = true
		}
	}
	var stages []domain.Domain
	for _, d := range domain.StageOrder {
		if matched[d] {
			stages = append(stages, d)
		}
	}
	if len(stages) == 0 {
		return []domain.Domain(domain.StageOrder)
	}
	return stages
}

func matchPaths(paths, patterns []string) bool {
	for _, p := range paths {
		if MatchPath(p, patterns) {
			return true
		}
	}
	return false
}

// MatchPath reports whether one path matches any pattern. Patterns match
// against the full path and against the base name, so "*.css" catches
// nested files.
func MatchPath(p string, patterns []string) bool {
	p = strings.TrimPrefix(path.Clean(p), "./")
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(p)); ok {
			return true
		}
		// Directory prefix patterns ("src/api/*") also cover deeper paths.
		if strings.HasSuffix(pattern, "/*") && strings.HasPrefix(p, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

func matchKeywords(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if containsWord(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// containsWord matches on word boundaries so "api" does not fire on
// "rapid".
func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
