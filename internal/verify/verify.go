// Package verify confirms that a worker's claimed output actually happened.
// Completion is never taken on faith: an external verification capability
// inspects the claimed changes, and only its verdict (or a sanctioned,
// audited skip) finalizes a task.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/events"
)

const (
	defaultTimeout = 30 * time.Second

	// DefaultMaxRetries bounds re-dispatch after retryable verification
	// failures. Past the ceiling the task goes terminal-failed.
	DefaultMaxRetries = 2
)

// Recommended actions the verification capability may return.
const (
	ActionRetry        = "retry"
	ActionFail         = "fail"
	ActionManualReview = "manual_review"
)

// Request is the wire payload sent to the verification capability.
type Request struct {
	TaskID         string                 `json:"task_id"`
	Domain         domain.Domain          `json:"domain"`
	ClaimedChanges []domain.ClaimedChange `json:"claimed_changes"`
	ClaimedOutput  string                 `json:"claimed_output"`
	StartedAt      string                 `json:"started_at"`
}

// Response is the verification capability's verdict.
type Response struct {
	Passed            bool     `json:"passed"`
	Reason            string   `json:"reason"`
	RecommendedAction string   `json:"recommended_action"`
	ChecksRun         []string `json:"checks_run"`
	ChecksPassed      []string `json:"checks_passed"`
	ChecksFailed      []string `json:"checks_failed"`
}

// Result is what a worker reports on completion.
type Result struct {
	Summary    string                 `json:"summary"`
	Changes    []domain.ClaimedChange `json:"changes"`
	SkipKey    string                 `json:"skip_key,omitempty"`
	SkipReason string                 `json:"skip_reason,omitempty"`
}

// Outcome of one verification attempt. ShouldRetry distinguishes transient
// infrastructure failures from an explicit content rejection: retrying a
// genuinely bad claim indefinitely is wasted work. Misconfigured means no
// endpoint is configured at all; that is an operator problem and consuming
// the task's retry budget on it would be wrong.
type Outcome struct {
	Passed        bool
	ShouldRetry   bool
	Misconfigured bool
	Reason        string
}

// Decision is the completion verdict after the retry ceiling is applied.
type Decision struct {
	Verified      bool
	Retry         bool
	Misconfigured bool
	Reason        string
}

// Coordinator drives verification calls and bounded retry.
type Coordinator struct {
	Events     *events.Writer
	URL        string
	Timeout    time.Duration
	MaxRetries int
	SkipKeys   []string
	Client     *http.Client
}

// New builds a coordinator with a dedicated bounded-timeout client.
func New(w *events.Writer, url string, timeout time.Duration, maxRetries int, skipKeys []string) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Coordinator{
		Events:     w,
		URL:        url,
		Timeout:    timeout,
		MaxRetries: maxRetries,
		SkipKeys:   skipKeys,
		Client:     &http.Client{Timeout: timeout},
	}
}

// Verify runs one verification pass. Zero claimed changes pass trivially,
// there is nothing to check. Network and timeout failures are retryable;
// an explicit fail or manual-review verdict is not, and a missing endpoint
// is reported as misconfigured without touching the retry budget.
func (c *Coordinator) Verify(ctx context.Context, taskID string, d domain.Domain, runID string, result Result, startedAt string) Outcome {
	if len(result.Changes) == 0 {
		c.Events.Emit(ctx, taskID, runID, "verification", domain.EventSuccess,
			"no claimed changes; verification trivially passed", nil)
		return Outcome{Passed: true}
	}
	if strings.TrimSpace(c.URL) == "" {
		reason := "verification endpoint not configured"
		c.Events.Emit(ctx, taskID, runID, "verification", domain.EventError, reason,
			events.EventPayload{"retryable": false})
		return Outcome{Misconfigured: true, Reason: reason}
	}
	resp, err := c.call(ctx, Request{
		TaskID:         taskID,
		Domain:         d,
		ClaimedChanges: result.Changes,
		ClaimedOutput:  result.Summary,
		StartedAt:      startedAt,
	})
	if err != nil {
		reason := fmt.Sprintf("verification call failed: %v", err)
		c.Events.Emit(ctx, taskID, runID, "verification", domain.EventError, reason,
			events.EventPayload{"retryable": true})
		return Outcome{ShouldRetry: true, Reason: reason}
	}
	if resp.Passed {
		c.Events.Emit(ctx, taskID, runID, "verification", domain.EventSuccess,
			"verification passed", events.EventPayload{
				"checks_run":    resp.ChecksRun,
				"checks_passed": resp.ChecksPassed,
			})
		return Outcome{Passed: true}
	}
	reason := resp.Reason
	if reason == "" {
		reason = "verification rejected claimed changes"
	}
	if resp.RecommendedAction == ActionRetry {
		c.Events.Emit(ctx, taskID, runID, "verification", domain.EventWarning, reason,
			events.EventPayload{"recommended_action": resp.RecommendedAction, "checks_failed": resp.ChecksFailed})
		return Outcome{ShouldRetry: true, Reason: reason}
	}
	c.Events.Emit(ctx, taskID, runID, "verification", domain.EventError, reason,
		events.EventPayload{"recommended_action": resp.RecommendedAction, "checks_failed": resp.ChecksFailed})
	return Outcome{Reason: reason}
}

// CompleteWithVerification wraps Verify with the retry ceiling. The caller
// owns incrementing retryCount; a Retry decision leaves the task
// non-terminal.
func (c *Coordinator) CompleteWithVerification(ctx context.Context, taskID string, d domain.Domain, runID string, result Result, startedAt string, retryCount int) Decision {
	if skipped, reason := c.skipAllowed(result); skipped {
		c.Events.Emit(ctx, taskID, runID, "verification", domain.EventWarning,
			"verification skipped by override", events.EventPayload{"reason": reason})
		return Decision{Verified: true, Reason: reason}
	}
	outcome := c.Verify(ctx, taskID, d, runID, result, startedAt)
	if outcome.Passed {
		return Decision{Verified: true}
	}
	if outcome.Misconfigured {
		return Decision{Misconfigured: true, Reason: outcome.Reason}
	}
	if outcome.ShouldRetry && retryCount < c.MaxRetries {
		return Decision{Retry: true, Reason: outcome.Reason}
	}
	reason := outcome.Reason
	if outcome.ShouldRetry {
		reason = fmt.Sprintf("retry ceiling reached after %d attempts: %s", retryCount+1, outcome.Reason)
	}
	return Decision{Reason: reason}
}

// skipAllowed checks a governance-approved override key. Every use is
// evented by the caller; skips are never silent.
func (c *Coordinator) skipAllowed(result Result) (bool, string) {
	key := strings.TrimSpace(result.SkipKey)
	if key == "" {
		return false, ""
	}
	for _, allowed := range c.SkipKeys {
		if allowed != "" && key == allowed {
			reason := result.SkipReason
			if reason == "" {
				reason = "sanctioned skip-verification override"
			}
			return true, reason
		}
	}
	return false, ""
}

func (c *Coordinator) call(ctx context.Context, req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.Client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Response{}, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var resp Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode verification response: %w", err)
	}
	return resp, nil
}
