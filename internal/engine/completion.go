package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/repo"
	"dispatchline/internal/verify"
)

// CompletionStatus is how a completion call resolved.
type CompletionStatus string

const (
	CompletionVerified CompletionStatus = "verified"
	CompletionRetry    CompletionStatus = "retry"
	CompletionFailed   CompletionStatus = "failed"
)

// CompletionResult reports how a subagent or orchestrator completion call
// resolved after verification.
type CompletionResult struct {
	Status     CompletionStatus `json:"status"`
	TaskID     string           `json:"task_id"`
	RetryCount int              `json:"retry_count"`
	Reason     string           `json:"reason,omitempty"`
}

// CompleteSubagent closes out a single-domain execution attempt. The claimed
// result goes through independent verification first; completion without a
// verification verdict (or an authorized skip) is impossible. An infra-side
// verification failure under the retry ceiling releases the lease and bumps
// the retry count so the task can be picked up again.
func (e Engine) CompleteSubagent(ctx context.Context, taskID string, d domain.Domain, runID string, workerID string, result verify.Result) (CompletionResult, error) {
	res := CompletionResult{TaskID: taskID}
	if err := e.ensureArmed(ctx); err != nil {
		return res, err
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, domain.NewError(domain.CodeValidationFailed, "task %s does not exist", taskID)
	}
	if err != nil {
		return res, err
	}
	if task.IsTerminal {
		return res, domain.NewError(domain.CodeValidationFailed, "task %s is already terminal", taskID)
	}
	if workerID != "" {
		if task.ClaimedBy == nil || *task.ClaimedBy != workerID {
			return res, domain.NewError(domain.CodeValidationFailed, "worker %s does not hold the lease on %s", workerID, taskID)
		}
	}
	if runID == "" {
		runID = task.RunID
	}
	res.RetryCount = task.RetryCount

	decision := e.Verifier.CompleteWithVerification(ctx, taskID, d, runID, result, e.claimStartedAt(task), task.RetryCount)
	if decision.Misconfigured {
		return res, domain.NewError(domain.CodeVerificationError, "cannot verify %s: %s", taskID, decision.Reason)
	}
	switch {
	case decision.Verified:
		if err := e.MarkSuccess(ctx, taskID, runID, decision.Reason); err != nil {
			return res, err
		}
		res.Status = CompletionVerified
		res.Reason = decision.Reason
		return res, nil
	case decision.Retry:
		now := e.nowRFC3339()
		if err := e.Repo.IncrementRetry(ctx, taskID, now); err != nil {
			return res, err
		}
		if workerID != "" {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return res, err
			}
			defer tx.Rollback()
			if _, err := e.Repo.ReleaseClaim(ctx, tx, taskID, workerID, now); err != nil {
				return res, err
			}
			if err := tx.Commit(); err != nil {
				return res, err
			}
		}
		res.Status = CompletionRetry
		res.RetryCount = task.RetryCount + 1
		res.Reason = decision.Reason
		return res, nil
	default:
		if err := e.MarkFailed(ctx, taskID, runID, decision.Reason); err != nil {
			return res, err
		}
		res.Status = CompletionFailed
		res.Reason = decision.Reason
		return res, nil
	}
}

// CompleteOrchestrator finalizes a composite work order. For a mixed task it
// first requires every stage task to have ended in terminal success; the
// final claimed result then goes through the same verification path as a
// subagent completion.
func (e Engine) CompleteOrchestrator(ctx context.Context, taskID, runID string, result verify.Result) (CompletionResult, error) {
	res := CompletionResult{TaskID: taskID}
	if err := e.ensureArmed(ctx); err != nil {
		return res, err
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, domain.NewError(domain.CodeValidationFailed, "task %s does not exist", taskID)
	}
	if err != nil {
		return res, err
	}
	if task.IsTerminal {
		return res, domain.NewError(domain.CodeValidationFailed, "task %s is already terminal", taskID)
	}
	if runID == "" {
		runID = task.RunID
	}
	res.RetryCount = task.RetryCount

	if task.Domain == domain.DomainMixed {
		if err := e.requireStagesComplete(ctx, task); err != nil {
			return res, err
		}
	}
	decision := e.Verifier.CompleteWithVerification(ctx, taskID, task.Domain, runID, result, e.claimStartedAt(task), task.RetryCount)
	if decision.Misconfigured {
		return res, domain.NewError(domain.CodeVerificationError, "cannot verify %s: %s", taskID, decision.Reason)
	}
	switch {
	case decision.Verified:
		if err := e.MarkSuccess(ctx, taskID, runID, decision.Reason); err != nil {
			return res, err
		}
		res.Status = CompletionVerified
	case decision.Retry:
		if err := e.Repo.IncrementRetry(ctx, taskID, e.nowRFC3339()); err != nil {
			return res, err
		}
		res.Status = CompletionRetry
		res.RetryCount = task.RetryCount + 1
	default:
		if err := e.MarkFailed(ctx, taskID, runID, decision.Reason); err != nil {
			return res, err
		}
		res.Status = CompletionFailed
	}
	res.Reason = decision.Reason
	return res, nil
}

func (e Engine) requireStagesComplete(ctx context.Context, task domain.Task) error {
	for _, d := range domain.StageOrder {
		stage, err := e.Repo.GetTask(ctx, fmt.Sprintf("%s.%s", task.ID, d))
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !stage.IsTerminal || stage.TerminalOutcome == nil || *stage.TerminalOutcome != domain.OutcomeSuccess {
			return domain.NewError(domain.CodeValidationFailed, "stage %s has not completed successfully", stage.ID)
		}
	}
	return nil
}

// claimStartedAt reconstructs when execution began from the lease fields;
// falls back to the last update when the lease is gone.
func (e Engine) claimStartedAt(task domain.Task) string {
	if task.ClaimExpiresAt != nil && task.ClaimTTLMinutes != nil {
		if exp, err := time.Parse(time.RFC3339, *task.ClaimExpiresAt); err == nil {
			return exp.Add(-time.Duration(*task.ClaimTTLMinutes) * time.Minute).Format(time.RFC3339)
		}
	}
	return task.UpdatedAt
}
