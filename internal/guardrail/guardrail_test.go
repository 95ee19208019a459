package guardrail_test

import (
	"testing"

	"dispatchline/internal/classify"
	"dispatchline/internal/config"
	"dispatchline/internal/domain"
	"dispatchline/internal/guardrail"
)

func tables() classify.Tables {
	return classify.FromConfig(config.Default())
}

func TestOwnDomainPathsAreValid(t *testing.T) {
	res := guardrail.Validate(domain.DomainBackend, []string{"src/api/users.go", "src/services/mail.go"}, tables())
	if !res.Valid {
		t.Fatalf("violations: %+v", res.Violations)
	}
}

func TestPathOutsideDomainIsRejected(t *testing.T) {
	res := guardrail.Validate(domain.DomainBackend, []string{"docs/readme.md"}, tables())
	if res.Valid {
		t.Fatal("path outside the allow-list must fail")
	}
	if len(res.Violations) != 1 || res.Violations[0].Path != "docs/readme.md" {
		t.Fatalf("violations: %+v", res.Violations)
	}
}

func TestCrossDomainPathIsRejected(t *testing.T) {
	// src/lib/Button.tsx sits inside backend's src/lib/* allow-list but
	// also matches frontend's *.tsx pattern.
	res := guardrail.Validate(domain.DomainBackend, []string{"src/api/users.go", "src/lib/Button.tsx"}, tables())
	if res.Valid {
		t.Fatal("cross-domain path must fail")
	}
	if len(res.Violations) != 1 {
		t.Fatalf("violations: %+v", res.Violations)
	}
	v := res.Violations[0]
	if v.Path != "src/lib/Button.tsx" || v.Crossed != domain.DomainFrontend {
		t.Fatalf("violation: %+v", v)
	}
}

func TestMixedSkipsPathRestriction(t *testing.T) {
	res := guardrail.Validate(domain.DomainMixed, []string{"src/api/a.go", "src/components/b.tsx", "anything/else"}, tables())
	if !res.Valid {
		t.Fatalf("mixed must be valid at the composite level: %+v", res.Violations)
	}
}

func TestEmptyPathListIsValid(t *testing.T) {
	if res := guardrail.Validate(domain.DomainFrontend, nil, tables()); !res.Valid {
		t.Fatal("no paths, nothing to violate")
	}
}
