// Package policy runs the ordered rule chain that gates dispatch. Rules are
// named, execute strictly in order, and every evaluation leaves a start and
// a result event in the audit log.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchline/internal/classify"
	"dispatchline/internal/domain"
	"dispatchline/internal/events"
)

// Severity tiers for rule findings. Only the highest tier blocks dispatch.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Context is the evidence a rule evaluates against. Checks are pure; all
// state a rule needs is loaded before the chain runs.
type Context struct {
	TaskID            string
	Title             string
	SpecContent       string
	Paths             []string
	MaxFiles          int
	MaxDirs           int
	OpenTitles        map[string]string
	SensitivePatterns []string
}

// CheckResult is the raw outcome of one rule's check.
type CheckResult struct {
	Passed    bool
	Severity  Severity
	Duplicate bool
	Evidence  map[string]any
}

// Rule is one named evaluation in a chain.
type Rule struct {
	ID    string
	Name  string
	Check func(Context) CheckResult
}

// ChainResult is the gate's synchronous answer.
type ChainResult struct {
	Proceed  bool
	Verdicts []domain.PolicyVerdict
}

// Gate evaluates configured rule chains.
type Gate struct {
	Events *events.Writer
	Rules  map[string]Rule
	Now    func() time.Time
}

// NewGate returns a gate with the built-in rule registry.
func NewGate(w *events.Writer) *Gate {
	return &Gate{
		Events: w,
		Rules:  builtinRules(),
		Now:    time.Now,
	}
}

// RunChain executes the named rules in order. The chain short-circuits when
// a rule reports duplicate work; any other failure is recorded and the
// chain continues. Proceed is false iff a critical failure occurred:
// duplicate work or a finding at the highest severity tier. Failed
// non-critical rules are audit-only.
func (g *Gate) RunChain(ctx context.Context, d domain.Domain, runID string, chain []string, pctx Context) ChainResult {
	var verdicts []domain.PolicyVerdict
	critical := false
	for _, ruleID := range chain {
		rule, ok := g.Rules[ruleID]
		if !ok {
			rule = Rule{ID: ruleID, Name: ruleID, Check: func(Context) CheckResult {
				return CheckResult{Passed: false, Severity: SeverityWarning, Evidence: map[string]any{"error": "unknown rule"}}
			}}
		}
		g.Events.Emit(ctx, pctx.TaskID, runID, "policy."+rule.ID, domain.EventInfo,
			fmt.Sprintf("rule %s started", rule.Name), events.EventPayload{"domain": string(d)})

		result := g.runCheck(rule, pctx)
		verdict := domain.PolicyVerdict{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Status:      domain.VerdictPass,
			EvaluatedAt: g.now().UTC().Format(time.RFC3339),
			Metadata:    result.Evidence,
		}
		evtStatus := domain.EventSuccess
		if !result.Passed {
			verdict.Status = domain.VerdictFail
			evtStatus = domain.EventWarning
			if result.Duplicate || result.Severity == SeverityCritical {
				critical = true
				evtStatus = domain.EventError
			}
		}
		g.Events.Emit(ctx, pctx.TaskID, runID, "policy."+rule.ID, evtStatus,
			fmt.Sprintf("rule %s: %s", rule.Name, verdict.Status), events.EventPayload{
				"domain":   string(d),
				"verdict":  string(verdict.Status),
				"evidence": result.Evidence,
			})
		verdicts = append(verdicts, verdict)
		if result.Duplicate {
			break
		}
	}
	return ChainResult{Proceed: !critical, Verdicts: verdicts}
}

// runCheck isolates rule execution: a panicking or erroring rule degrades
// to a FAIL verdict carrying the error text instead of aborting the chain.
func (g *Gate) runCheck(rule Rule, pctx Context) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{
				Passed:   false,
				Severity: SeverityWarning,
				Evidence: map[string]any{"error": fmt.Sprintf("rule check failed: %v", r)},
			}
		}
	}()
	return rule.Check(pctx)
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func builtinRules() map[string]Rule {
	rules := []Rule{
		{ID: "duplicate_work", Name: "duplicate work check", Check: checkDuplicateWork},
		{ID: "path_sensitivity", Name: "path sensitivity scan", Check: checkPathSensitivity},
		{ID: "schema_safety", Name: "schema safety check", Check: checkSchemaSafety},
		{ID: "structural_analysis", Name: "structural analysis check", Check: checkStructuralAnalysis},
		{ID: "accessibility", Name: "accessibility check", Check: checkAccessibility},
	}
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.ID] = r
	}
	return m
}

// checkDuplicateWork flags an open task with an equivalent title. Duplicate
// work is always critical and short-circuits the chain.
func checkDuplicateWork(pctx Context) CheckResult {
	want := normalizeTitle(pctx.Title)
	if want == "" {
		return CheckResult{Passed: true}
	}
	for id, title := range pctx.OpenTitles {
		if normalizeTitle(title) == want {
			return CheckResult{
				Passed:    false,
				Duplicate: true,
				Severity:  SeverityCritical,
				Evidence:  map[string]any{"duplicate_of": id, "title": title},
			}
		}
	}
	return CheckResult{Passed: true}
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// checkPathSensitivity blocks paths matching the sensitive pattern set
// (secrets, keys, credentials).
func checkPathSensitivity(pctx Context) CheckResult {
	var hits []string
	for _, p := range pctx.Paths {
		if classify.MatchPath(p, pctx.SensitivePatterns) {
			hits = append(hits, p)
		}
	}
	if len(hits) > 0 {
		return CheckResult{
			Passed:   false,
			Severity: SeverityCritical,
			Evidence: map[string]any{"sensitive_paths": hits},
		}
	}
	return CheckResult{Passed: true}
}

var destructiveSchemaTerms = []string{"drop table", "drop column", "truncate", "delete from"}

// checkSchemaSafety scans spec text for destructive schema operations.
func checkSchemaSafety(pctx Context) CheckResult {
	text := strings.ToLower(pctx.Title + "\n" + pctx.SpecContent)
	var hits []string
	for _, term := range destructiveSchemaTerms {
		if strings.Contains(text, term) {
			hits = append(hits, term)
		}
	}
	if len(hits) > 0 {
		return CheckResult{
			Passed:   false,
			Severity: SeverityCritical,
			Evidence: map[string]any{"destructive_terms": hits},
		}
	}
	return CheckResult{Passed: true}
}

// checkStructuralAnalysis enforces the change budget when one is declared.
// Exceeding it is recorded for audit but does not block dispatch.
func checkStructuralAnalysis(pctx Context) CheckResult {
	if pctx.MaxFiles > 0 && len(pctx.Paths) > pctx.MaxFiles {
		return CheckResult{
			Passed:   false,
			Severity: SeverityWarning,
			Evidence: map[string]any{"paths": len(pctx.Paths), "max_files": pctx.MaxFiles},
		}
	}
	if pctx.MaxDirs > 0 {
		dirs := map[string]bool{}
		for _, p := range pctx.Paths {
			if i := strings.LastIndex(p, "/"); i > 0 {
				dirs[p[:i]] = true
			}
		}
		if len(dirs) > pctx.MaxDirs {
			return CheckResult{
				Passed:   false,
				Severity: SeverityWarning,
				Evidence: map[string]any{"directories": len(dirs), "max_directories": pctx.MaxDirs},
			}
		}
	}
	return CheckResult{Passed: true}
}

// checkAccessibility looks for image work with no mention of alt text.
// Heuristic and audit-only.
func checkAccessibility(pctx Context) CheckResult {
	text := strings.ToLower(pctx.Title + "\n" + pctx.SpecContent)
	if (strings.Contains(text, "image") || strings.Contains(text, "<img")) && !strings.Contains(text, "alt") {
		return CheckResult{
			Passed:   false,
			Severity: SeverityWarning,
			Evidence: map[string]any{"finding": "image content without alt text mention"},
		}
	}
	return CheckResult{Passed: true}
}
