package classify_test

import (
	"testing"

	"dispatchline/internal/classify"
	"dispatchline/internal/config"
	"dispatchline/internal/domain"
)

func tables() classify.Tables {
	return classify.FromConfig(config.Default())
}

func TestExplicitDomainWins(t *testing.T) {
	order := domain.WorkOrder{
		Domain: domain.DomainMemory,
		Title:  "tweak the dashboard button",
		Paths:  []string{"src/components/Button.tsx"},
	}
	if got := classify.Classify(order, tables()); got != domain.DomainMemory {
		t.Fatalf("got %s, want explicit memory", got)
	}
}

func TestSingleDetectorMatch(t *testing.T) {
	cases := []struct {
		name  string
		order domain.WorkOrder
		want  domain.Domain
	}{
		{"path match", domain.WorkOrder{Paths: []string{"src/components/Nav.tsx"}}, domain.DomainFrontend},
		{"nested path match", domain.WorkOrder{Paths: []string{"src/api/v2/users.go"}}, domain.DomainBackend},
		{"title keyword", domain.WorkOrder{Title: "add an index to speed up lookups"}, domain.DomainMemory},
		{"spec keyword", domain.WorkOrder{SpecContent: "expose a new endpoint for exports"}, domain.DomainBackend},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify.Classify(tc.order, tables()); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestZeroMatchesFallsBackToBackend(t *testing.T) {
	order := domain.WorkOrder{Title: "improve things somehow", Paths: []string{"docs/notes.txt"}}
	if got := classify.Classify(order, tables()); got != domain.DomainBackend {
		t.Fatalf("got %s, want backend fallback", got)
	}
}

func TestMultipleMatchesBecomeMixed(t *testing.T) {
	order := domain.WorkOrder{
		Title: "wire the dashboard to the new endpoint",
		Paths: []string{"src/components/Dash.tsx", "src/api/dash.go"},
	}
	if got := classify.Classify(order, tables()); got != domain.DomainMixed {
		t.Fatalf("got %s, want mixed", got)
	}
}

func TestKeywordMatchesWholeWordsOnly(t *testing.T) {
	// "rapid" contains "api" but must not classify as backend.
	order := domain.WorkOrder{Title: "rapid prototyping of the dashboard"}
	if got := classify.Classify(order, tables()); got != domain.DomainFrontend {
		t.Fatalf("got %s, want frontend only", got)
	}
}

func TestStagesFollowFixedPrecedence(t *testing.T) {
	order := domain.WorkOrder{
		Paths: []string{"src/components/a.tsx", "migrations/0001.sql", "src/api/a.go"},
	}
	got := classify.Stages(order, tables())
	want := []domain.Domain{domain.DomainMemory, domain.DomainBackend, domain.DomainFrontend}
	if len(got) != len(want) {
		t.Fatalf("stages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStagesSubsetKeepsOrder(t *testing.T) {
	order := domain.WorkOrder{Paths: []string{"src/components/a.tsx", "db/seed.sql"}}
	got := classify.Stages(order, tables())
	if len(got) != 2 || got[0] != domain.DomainMemory || got[1] != domain.DomainFrontend {
		t.Fatalf("stages = %v", got)
	}
}

func TestMatchPath(t *testing.T) {
	patterns := []string{"src/api/*", "*.sql"}
	cases := []struct {
		p    string
		want bool
	}{
		{"src/api/users.go", true},
		{"src/api/v2/handlers/users.go", true},
		{"migrations/0001_init.sql", true},
		{"src/components/Nav.tsx", false},
		{"./src/api/users.go", true},
	}
	for _, tc := range cases {
		if got := classify.MatchPath(tc.p, patterns); got != tc.want {
			t.Errorf("MatchPath(%q) = %v, want %v", tc.p, got, tc.want)
		}
	}
}
