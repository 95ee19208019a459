package engine_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/verify"
)

func verificationServer(t *testing.T, handler func(verify.Request) verify.Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verify.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode verification request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (env *testEnv) useVerifier(url string, skipKeys []string) {
	env.Engine.Verifier = verify.New(env.Engine.Events, url, 5*time.Second, verify.DefaultMaxRetries, skipKeys)
}

func claimed(t *testing.T, env *testEnv, taskID, workerID string) {
	t.Helper()
	res, err := env.Engine.Claim(env.Ctx, taskID, workerID, 0)
	if err != nil || !res.Claimed {
		t.Fatalf("claim %s by %s: claimed=%v err=%v", taskID, workerID, res.Claimed, err)
	}
}

func result(changes ...domain.ClaimedChange) verify.Result {
	return verify.Result{Summary: "implemented", Changes: changes}
}

func TestCompleteSubagentVerified(t *testing.T) {
	env := newTestEnv(t)
	srv := verificationServer(t, func(req verify.Request) verify.Response {
		return verify.Response{
			Passed:       true,
			ChecksRun:    []string{"files_exist", "tests_pass"},
			ChecksPassed: []string{"files_exist", "tests_pass"},
		}
	})
	env.useVerifier(srv.URL, nil)
	env.createTask(t, "TASK-30", "happy path", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-30", "w1")

	res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-30", domain.DomainBackend, "run-1", "w1",
		result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionVerified {
		t.Fatalf("status = %s, want verified", res.Status)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-30")
	if !task.IsTerminal || task.TerminalOutcome == nil || *task.TerminalOutcome != domain.OutcomeSuccess {
		t.Fatalf("task should be terminal success: %+v", task)
	}
}

func TestCompleteSubagentExplicitFailIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	srv := verificationServer(t, func(req verify.Request) verify.Response {
		return verify.Response{
			Passed:            false,
			Reason:            "claimed file does not exist",
			RecommendedAction: verify.ActionFail,
			ChecksFailed:      []string{"files_exist"},
		}
	})
	env.useVerifier(srv.URL, nil)
	env.createTask(t, "TASK-31", "liar", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-31", "w1")

	res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-31", domain.DomainBackend, "run-1", "w1",
		result(domain.ClaimedChange{Path: "src/api/ghost.go", Action: "created"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-31")
	if !task.IsTerminal || *task.TerminalOutcome != domain.OutcomeError {
		t.Fatal("explicit verification fail must be terminal, no retry")
	}
	if task.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", task.RetryCount)
	}
}

func TestCompleteSubagentRetryCeiling(t *testing.T) {
	env := newTestEnv(t)
	srv := verificationServer(t, func(req verify.Request) verify.Response {
		return verify.Response{
			Passed:            false,
			Reason:            "verification runner flaked",
			RecommendedAction: verify.ActionRetry,
		}
	})
	env.useVerifier(srv.URL, nil)
	env.createTask(t, "TASK-32", "flaky infra", true)
	env.registerWorker(t, "w1")

	// Two retryable failures release the lease and bump the count.
	for attempt := 0; attempt < 2; attempt++ {
		claimed(t, env, "TASK-32", "w1")
		res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-32", domain.DomainBackend, "run-1", "w1",
			result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != engine.CompletionRetry {
			t.Fatalf("attempt %d status = %s, want retry", attempt, res.Status)
		}
		task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-32")
		if task.RetryCount != attempt+1 {
			t.Fatalf("retry count = %d, want %d", task.RetryCount, attempt+1)
		}
		if task.ClaimedBy != nil {
			t.Fatal("retry must release the lease")
		}
	}

	// The third failure hits the ceiling and finalizes as failed.
	claimed(t, env, "TASK-32", "w1")
	res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-32", domain.DomainBackend, "run-1", "w1",
		result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionFailed {
		t.Fatalf("status = %s, want failed at ceiling", res.Status)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-32")
	if !task.IsTerminal || *task.TerminalOutcome != domain.OutcomeError {
		t.Fatal("ceiling breach must be terminal")
	}
}

func TestCompleteSubagentInfraErrorRetries(t *testing.T) {
	env := newTestEnv(t)
	srv := verificationServer(t, func(req verify.Request) verify.Response { return verify.Response{} })
	srv.Close()
	env.useVerifier(srv.URL, nil)
	env.createTask(t, "TASK-33", "endpoint down", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-33", "w1")

	res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-33", domain.DomainBackend, "run-1", "w1",
		result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionRetry {
		t.Fatalf("status = %s, want retry on network failure", res.Status)
	}
}

func TestCompleteSubagentUnconfiguredVerifierErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "TASK-40", "no verifier endpoint", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-40", "w1")

	_, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-40", domain.DomainBackend, "run-1", "w1",
		result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
	if domain.ErrorCode(err) != domain.CodeVerificationError {
		t.Fatalf("err = %v, want %s", err, domain.CodeVerificationError)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-40")
	if task.IsTerminal {
		t.Fatalf("misconfiguration must not finalize the task: %+v", task)
	}
	if task.RetryCount != 0 {
		t.Fatalf("retry_count = %d, misconfiguration must not consume the retry budget", task.RetryCount)
	}
}

func TestCompleteSubagentNoChangesTriviallyPasses(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "TASK-34", "nothing to check", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-34", "w1")

	res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-34", domain.DomainBackend, "run-1", "w1", verify.Result{Summary: "no-op"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionVerified {
		t.Fatalf("status = %s, want verified", res.Status)
	}
}

func TestCompleteSubagentSkipOverride(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	srv := verificationServer(t, func(req verify.Request) verify.Response {
		calls++
		return verify.Response{Passed: false, RecommendedAction: verify.ActionFail}
	})
	env.useVerifier(srv.URL, []string{"governance-override-1"})
	env.createTask(t, "TASK-35", "sanctioned skip", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-35", "w1")

	res, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-35", domain.DomainBackend, "run-1", "w1", verify.Result{
		Summary:    "hotfix",
		Changes:    []domain.ClaimedChange{{Path: "src/api/a.go", Action: "modified"}},
		SkipKey:    "governance-override-1",
		SkipReason: "incident mitigation",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionVerified {
		t.Fatalf("status = %s, want verified with skip", res.Status)
	}
	if calls != 0 {
		t.Fatal("skip override must not call the verification endpoint")
	}
	// Wrong key goes through verification and fails.
	env.createTask(t, "TASK-36", "bad skip key", true)
	claimed(t, env, "TASK-36", "w1")
	res, err = env.Engine.CompleteSubagent(env.Ctx, "TASK-36", domain.DomainBackend, "run-2", "w1", verify.Result{
		Summary: "hotfix",
		Changes: []domain.ClaimedChange{{Path: "src/api/b.go", Action: "modified"}},
		SkipKey: "not-a-real-key",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != engine.CompletionFailed {
		t.Fatalf("status = %s, want failed for unauthorized skip", res.Status)
	}
	if calls != 1 {
		t.Fatalf("verification calls = %d, want 1", calls)
	}
}

func TestCompleteSubagentRequiresLease(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "TASK-37", "not yours", true)
	env.registerWorker(t, "w1")
	env.registerWorker(t, "w2")
	claimed(t, env, "TASK-37", "w1")
	_, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-37", domain.DomainBackend, "run-1", "w2", verify.Result{})
	if domain.ErrorCode(err) != domain.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestCompleteRejectedWhenDisarmed(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	srv := verificationServer(t, func(req verify.Request) verify.Response {
		calls++
		return verify.Response{Passed: true}
	})
	env.useVerifier(srv.URL, nil)
	env.createTask(t, "TASK-39", "mid-incident", true)
	env.registerWorker(t, "w1")
	claimed(t, env, "TASK-39", "w1")

	if err := env.Engine.SetArmed(env.Ctx, false, "incident"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompleteSubagent(env.Ctx, "TASK-39", domain.DomainBackend, "run-1", "w1",
		result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
	if domain.ErrorCode(err) != domain.CodeExecutionDisarmed {
		t.Fatalf("expected EXECUTION_DISARMED, got %v", err)
	}
	_, err = env.Engine.CompleteOrchestrator(env.Ctx, "TASK-39", "run-1",
		result(domain.ClaimedChange{Path: "src/api/a.go", Action: "modified"}))
	if domain.ErrorCode(err) != domain.CodeExecutionDisarmed {
		t.Fatalf("expected EXECUTION_DISARMED, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("verification calls while disarmed = %d, want 0", calls)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-39")
	if task.IsTerminal {
		t.Fatal("disarmed completion must not finalize the task")
	}
}

func TestCompleteOrchestratorRequiresStageSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "TASK-38", "composite", true)
	res, err := env.Engine.Route(env.Ctx, domain.WorkOrder{
		TaskID:      "TASK-38",
		Title:       "composite",
		SpecContent: "migration for the table plus a new endpoint",
		Paths:       []string{"migrations/0001.sql", "src/api/x.go"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Domain != domain.DomainMixed {
		t.Fatalf("want mixed, got %s", res.Domain)
	}
	_, err = env.Engine.CompleteOrchestrator(env.Ctx, "TASK-38", res.RunID, verify.Result{})
	if domain.ErrorCode(err) != domain.CodeValidationFailed {
		t.Fatalf("finalize with incomplete stages: got %v", err)
	}
	if err := env.Engine.MarkSuccess(env.Ctx, "TASK-38.memory", res.RunID, "verified"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.MarkSuccess(env.Ctx, "TASK-38.backend", res.RunID, "verified"); err != nil {
		t.Fatal(err)
	}
	final, err := env.Engine.CompleteOrchestrator(env.Ctx, "TASK-38", res.RunID, verify.Result{})
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != engine.CompletionVerified {
		t.Fatalf("status = %s, want verified", final.Status)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, "TASK-38")
	if !task.IsTerminal || *task.TerminalOutcome != domain.OutcomeSuccess {
		t.Fatal("composite should be terminal success")
	}
}
