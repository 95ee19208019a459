package verify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/events"
	"dispatchline/internal/migrate"
	"dispatchline/internal/verify"
)

func newWriter(t *testing.T) *events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &events.Writer{DB: conn}
}

func verdictServer(t *testing.T, resp verify.Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verify.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func changes() []domain.ClaimedChange {
	return []domain.ClaimedChange{{Path: "src/api/handler.go", Action: "modified"}}
}

func TestVerifyNoChangesPassesTrivially(t *testing.T) {
	// No endpoint configured at all: with nothing claimed there is
	// nothing to check, so the empty URL must never be reached.
	c := verify.New(newWriter(t), "", time.Second, verify.DefaultMaxRetries, nil)
	out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Summary: "noop"}, "")
	if !out.Passed || out.ShouldRetry {
		t.Fatalf("outcome = %+v, want trivial pass", out)
	}
}

func TestVerifyUnconfiguredEndpointIsMisconfigured(t *testing.T) {
	c := verify.New(newWriter(t), "", time.Second, verify.DefaultMaxRetries, nil)
	out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "")
	if out.Passed || out.ShouldRetry || !out.Misconfigured {
		t.Fatalf("outcome = %+v, want misconfigured", out)
	}
	d := c.CompleteWithVerification(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "", 0)
	if d.Verified || d.Retry || !d.Misconfigured {
		t.Fatalf("decision = %+v, want misconfigured", d)
	}
	if !strings.Contains(d.Reason, "not configured") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestVerifyPassed(t *testing.T) {
	srv := verdictServer(t, verify.Response{Passed: true, ChecksRun: []string{"files_exist"}, ChecksPassed: []string{"files_exist"}})
	c := verify.New(newWriter(t), srv.URL, time.Second, verify.DefaultMaxRetries, nil)
	out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "")
	if !out.Passed {
		t.Fatalf("outcome = %+v, want pass", out)
	}
}

func TestVerifyNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := verify.New(newWriter(t), url, time.Second, verify.DefaultMaxRetries, nil)
	out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "")
	if out.Passed || !out.ShouldRetry {
		t.Fatalf("outcome = %+v, want retryable failure", out)
	}
}

func TestVerifyNon2xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "verifier overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := verify.New(newWriter(t), srv.URL, time.Second, verify.DefaultMaxRetries, nil)
	out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "")
	if !out.ShouldRetry {
		t.Fatalf("outcome = %+v, want retryable failure", out)
	}
	if !strings.Contains(out.Reason, "503") {
		t.Fatalf("reason %q should carry the status", out.Reason)
	}
}

func TestVerifyRecommendedRetry(t *testing.T) {
	srv := verdictServer(t, verify.Response{Passed: false, Reason: "files missing", RecommendedAction: verify.ActionRetry})
	c := verify.New(newWriter(t), srv.URL, time.Second, verify.DefaultMaxRetries, nil)
	out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "")
	if !out.ShouldRetry || out.Reason != "files missing" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestVerifyExplicitFailIsTerminal(t *testing.T) {
	for _, action := range []string{verify.ActionFail, verify.ActionManualReview} {
		srv := verdictServer(t, verify.Response{Passed: false, Reason: "claim rejected", RecommendedAction: action})
		c := verify.New(newWriter(t), srv.URL, time.Second, verify.DefaultMaxRetries, nil)
		out := c.Verify(context.Background(), "TASK-1", domain.DomainBackend, "run-1", verify.Result{Changes: changes()}, "")
		if out.Passed || out.ShouldRetry {
			t.Fatalf("action %s: outcome = %+v, want terminal failure", action, out)
		}
	}
}

func TestCompleteRetryCeiling(t *testing.T) {
	srv := verdictServer(t, verify.Response{Passed: false, Reason: "flaky check", RecommendedAction: verify.ActionRetry})
	c := verify.New(newWriter(t), srv.URL, time.Second, 2, nil)
	ctx := context.Background()
	res := verify.Result{Changes: changes()}

	for count := 0; count < 2; count++ {
		d := c.CompleteWithVerification(ctx, "TASK-1", domain.DomainBackend, "run-1", res, "", count)
		if !d.Retry {
			t.Fatalf("retryCount=%d: decision = %+v, want retry", count, d)
		}
	}
	d := c.CompleteWithVerification(ctx, "TASK-1", domain.DomainBackend, "run-1", res, "", 2)
	if d.Retry || d.Verified {
		t.Fatalf("decision = %+v, want terminal", d)
	}
	if !strings.Contains(d.Reason, "retry ceiling reached after 3 attempts") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestCompleteSkipOverride(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(verify.Response{Passed: false, RecommendedAction: verify.ActionFail})
	}))
	defer srv.Close()
	c := verify.New(newWriter(t), srv.URL, time.Second, verify.DefaultMaxRetries, []string{"ops-override-1"})
	ctx := context.Background()

	d := c.CompleteWithVerification(ctx, "TASK-1", domain.DomainBackend, "run-1",
		verify.Result{Changes: changes(), SkipKey: "ops-override-1", SkipReason: "verifier outage"}, "", 0)
	if !d.Verified || d.Reason != "verifier outage" {
		t.Fatalf("decision = %+v, want skip-verified", d)
	}
	if calls != 0 {
		t.Fatalf("endpoint called %d times under a sanctioned skip", calls)
	}

	d = c.CompleteWithVerification(ctx, "TASK-1", domain.DomainBackend, "run-1",
		verify.Result{Changes: changes(), SkipKey: "wrong-key"}, "", 0)
	if d.Verified {
		t.Fatal("unknown skip key must not bypass verification")
	}
	if calls != 1 {
		t.Fatalf("endpoint calls = %d, want 1", calls)
	}
}

func TestSkipKeyIgnoredWhenUnconfigured(t *testing.T) {
	srv := verdictServer(t, verify.Response{Passed: true})
	c := verify.New(newWriter(t), srv.URL, time.Second, verify.DefaultMaxRetries, nil)
	d := c.CompleteWithVerification(context.Background(), "TASK-1", domain.DomainBackend, "run-1",
		verify.Result{Changes: changes(), SkipKey: "anything"}, "", 0)
	if !d.Verified || d.Reason != "" {
		t.Fatalf("decision = %+v, want plain verification pass", d)
	}
}
