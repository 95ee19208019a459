package policy_test

import (
	"context"
	"testing"
	"time"

	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/events"
	"dispatchline/internal/migrate"
	"dispatchline/internal/policy"
)

func newGate(t *testing.T) *policy.Gate {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := policy.NewGate(&events.Writer{DB: conn})
	g.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return g
}

var backendChain = []string{"duplicate_work", "path_sensitivity", "structural_analysis"}

func TestChainPassesCleanOrder(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainBackend, "run-1", backendChain, policy.Context{
		TaskID: "TASK-1",
		Title:  "add rate limiting",
		Paths:  []string{"src/api/limit.go"},
	})
	if !res.Proceed {
		t.Fatalf("clean order should proceed: %+v", res.Verdicts)
	}
	if len(res.Verdicts) != len(backendChain) {
		t.Fatalf("verdicts = %d, want %d", len(res.Verdicts), len(backendChain))
	}
	for _, v := range res.Verdicts {
		if v.Status != domain.VerdictPass {
			t.Fatalf("rule %s failed unexpectedly", v.RuleID)
		}
	}
}

func TestDuplicateWorkShortCircuits(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainBackend, "run-1", backendChain, policy.Context{
		TaskID:     "TASK-2",
		Title:      "  Add   Rate Limiting ",
		OpenTitles: map[string]string{"TASK-9": "add rate limiting"},
	})
	if res.Proceed {
		t.Fatal("duplicate must block")
	}
	if len(res.Verdicts) != 1 {
		t.Fatalf("chain must stop at the duplicate, got %d verdicts", len(res.Verdicts))
	}
	if res.Verdicts[0].RuleID != "duplicate_work" || res.Verdicts[0].Status != domain.VerdictFail {
		t.Fatalf("verdict: %+v", res.Verdicts[0])
	}
}

func TestSensitivePathBlocks(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainBackend, "run-1", backendChain, policy.Context{
		TaskID:            "TASK-3",
		Title:             "rotate credentials loader",
		Paths:             []string{"src/api/auth.go", "config/secrets.yaml"},
		SensitivePatterns: []string{"*secrets*", "*.pem"},
	})
	if res.Proceed {
		t.Fatal("sensitive path must block")
	}
	// Non-duplicate failures do not short-circuit; the rest still runs.
	if len(res.Verdicts) != len(backendChain) {
		t.Fatalf("verdicts = %d, want %d", len(res.Verdicts), len(backendChain))
	}
}

func TestBudgetOverrunWarnsButProceeds(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainBackend, "run-1", backendChain, policy.Context{
		TaskID:   "TASK-4",
		Title:    "sprawling refactor",
		Paths:    []string{"src/api/a.go", "src/api/b.go", "src/api/c.go"},
		MaxFiles: 2,
	})
	if !res.Proceed {
		t.Fatal("warning-tier finding must not block dispatch")
	}
	var structural *domain.PolicyVerdict
	for i := range res.Verdicts {
		if res.Verdicts[i].RuleID == "structural_analysis" {
			structural = &res.Verdicts[i]
		}
	}
	if structural == nil || structural.Status != domain.VerdictFail {
		t.Fatalf("structural verdict: %+v", structural)
	}
}

func TestSchemaSafetyCatchesDestructiveSpec(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainMemory, "run-1",
		[]string{"duplicate_work", "schema_safety"}, policy.Context{
			TaskID:      "TASK-5",
			Title:       "clean up legacy tables",
			SpecContent: "DROP TABLE sessions_old; then recreate indexes",
		})
	if res.Proceed {
		t.Fatal("destructive schema operation must block")
	}
}

func TestAccessibilityHeuristic(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainFrontend, "run-1",
		[]string{"accessibility"}, policy.Context{
			TaskID:      "TASK-6",
			Title:       "add hero image to landing page",
			SpecContent: "drop a big image at the top",
		})
	if !res.Proceed {
		t.Fatal("accessibility finding is audit-only")
	}
	if res.Verdicts[0].Status != domain.VerdictFail {
		t.Fatal("image work without alt text should fail the check")
	}
	res = g.RunChain(context.Background(), domain.DomainFrontend, "run-2",
		[]string{"accessibility"}, policy.Context{
			TaskID:      "TASK-7",
			Title:       "add hero image with alt text",
			SpecContent: "image needs descriptive alt attribute",
		})
	if res.Verdicts[0].Status != domain.VerdictPass {
		t.Fatal("alt text mention should pass")
	}
}

func TestUnknownRuleDegradesToWarning(t *testing.T) {
	g := newGate(t)
	res := g.RunChain(context.Background(), domain.DomainBackend, "run-1",
		[]string{"no_such_rule"}, policy.Context{TaskID: "TASK-8", Title: "anything"})
	if !res.Proceed {
		t.Fatal("unknown rule must not block")
	}
	if res.Verdicts[0].Status != domain.VerdictFail {
		t.Fatal("unknown rule records a failed verdict")
	}
}
