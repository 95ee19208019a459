// Package guardrail checks proposed file paths against per-domain
// allow-lists. It runs after classification and before dispatch; a failed
// check is a hard gate, not a warning.
package guardrail

import (
	"fmt"

	"dispatchline/internal/classify"
	"dispatchline/internal/domain"
)

// Violation describes one path that failed validation.
type Violation struct {
	Path    string        `json:"path"`
	Domain  domain.Domain `json:"domain"`
	Reason  string        `json:"reason"`
	Crossed domain.Domain `json:"crossed_domain,omitempty"`
}

// Result is the outcome of validating one work order's paths.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Validate checks every path against the resolved domain's allow-patterns
// and against the other domains' patterns. A path is invalid if it misses
// its own domain's allow-list or crosses into another domain's territory;
// a backend task must not silently touch frontend assets. Mixed is always
// valid at the composite level; restriction applies once split into
// single-domain stages.
func Validate(d domain.Domain, paths []string, tables classify.Tables) Result {
	if d == domain.DomainMixed {
		return Result{Valid: true}
	}
	own, ok := tables[d]
	if !ok {
		return Result{Valid: false, Violations: []Violation{{
			Domain: d,
			Reason: fmt.Sprintf("no allow-patterns configured for domain %s", d),
		}}}
	}
	var violations []Violation
	for _, p := range paths {
		if !classify.MatchPath(p, own.PathPatterns) {
			violations = append(violations, Violation{
				Path:   p,
				Domain: d,
				Reason: fmt.Sprintf("path %s does not match %s allow-patterns", p, d),
			})
			continue
		}
		for other, tbl := range tables {
			if other == d {
				continue
			}
			if classify.MatchPath(p, tbl.PathPatterns) {
				violations = append(violations, Violation{
					Path:    p,
					Domain:  d,
					Crossed: other,
					Reason:  fmt.Sprintf("path %s also matches %s patterns; cross-domain paths are never valid for a concrete domain", p, other),
				})
				break
			}
		}
	}
	return Result{Valid: len(violations) == 0, Violations: violations}
}
