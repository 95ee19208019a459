package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/events"
	"dispatchline/internal/repo"
)

// ClaimResult reports the outcome of a claim attempt. Claimed is false when
// another worker holds an unexpired lease; that is contention, not an error.
type ClaimResult struct {
	Claimed   bool   `json:"claimed"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Claim attempts to take the lease on a task. The decision is a single
// conditional update in the store, so two workers racing for the same task
// can never both win even across processes.
func (e Engine) Claim(ctx context.Context, taskID, workerID string, ttlMinutes int) (ClaimResult, error) {
	res := ClaimResult{TaskID: taskID, WorkerID: workerID}
	if err := e.ensureArmed(ctx); err != nil {
		return res, err
	}
	if _, err := e.requireWorker(ctx, workerID); err != nil {
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
		return res, domain.NewError(domain.CodeValidationFailed, "task %s is terminal and cannot be claimed", taskID)
	}
	if !task.SpecApproved {
		return res, domain.NewError(domain.CodeGovernanceBlocked, "task %s spec is not approved", taskID)
	}
	ttl := e.clampTTL(ttlMinutes)
	now := e.now().UTC()
	expires := now.Add(time.Duration(ttl) * time.Minute).Format(time.RFC3339)
	won, err := e.Repo.ClaimTask(ctx, taskID, workerID, expires, ttl, now.Format(time.RFC3339))
	if err != nil {
		return res, err
	}
	if !won {
		return res, nil
	}
	res.Claimed = true
	res.ExpiresAt = expires
	e.Events.Emit(ctx, taskID, task.RunID, "lease", domain.EventInfo,
		fmt.Sprintf("claimed by %s until %s", workerID, expires), events.EventPayload{"worker": workerID, "ttl_minutes": ttl})
	return res, nil
}

func (e Engine) clampTTL(minutes int) int {
	if minutes <= 0 {
		minutes = e.Config.Lease.DefaultTTLMinutes
	}
	if max := e.Config.Lease.MaxTTLMinutes; max > 0 && minutes > max {
		minutes = max
	}
	return minutes
}

// Release gives the lease back. Releasing a task the worker does not hold
// is a safe no-op so retries and crash-recovery scripts stay simple.
func (e Engine) Release(ctx context.Context, taskID, workerID, reason string) error {
	if _, err := e.requireWorker(ctx, workerID); err != nil {
		return err
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NewError(domain.CodeValidationFailed, "task %s does not exist", taskID)
		}
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	released, err := e.Repo.ReleaseClaim(ctx, tx, taskID, workerID, e.nowRFC3339())
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	if reason == "" {
		reason = "released by worker"
	}
	if err := e.Events.Append(ctx, tx, taskID, "", "lease", domain.EventInfo,
		fmt.Sprintf("released by %s: %s", workerID, reason), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Heartbeat records worker liveness and, when taskID names a task the
// worker holds, renews its lease by the TTL stored at claim time. Renewing
// an already-expired lease is a no-op; the claim is up for grabs.
func (e Engine) Heartbeat(ctx context.Context, workerID, taskID string) error {
	if _, err := e.requireWorker(ctx, workerID); err != nil {
		return err
	}
	now := e.now().UTC()
	if err := e.Repo.TouchWorkerHeartbeat(ctx, workerID, now.Format(time.RFC3339)); err != nil {
		return err
	}
	if taskID == "" {
		return nil
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NewError(domain.CodeValidationFailed, "task %s does not exist", taskID)
	}
	if err != nil {
		return err
	}
	ttl := e.Config.Lease.DefaultTTLMinutes
	if task.ClaimTTLMinutes != nil {
		ttl = *task.ClaimTTLMinutes
	}
	expires := now.Add(time.Duration(ttl) * time.Minute).Format(time.RFC3339)
	renewed, err := e.Repo.RenewLease(ctx, taskID, workerID, expires, now.Format(time.RFC3339))
	if err != nil {
		return err
	}
	if renewed {
		e.Events.Emit(ctx, taskID, task.RunID, "lease", domain.EventInfo,
			fmt.Sprintf("lease renewed by %s until %s", workerID, expires), nil)
	}
	return nil
}

// SweepExpired returns every task whose lease lapsed to the pending pool.
// Safe to run from any process on a timer.
func (e Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.nowRFC3339()
	ids, err := e.Repo.ExpiredClaims(ctx, now)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		cleared, err := e.Repo.ClearExpiredClaim(ctx, id, now)
		if err != nil {
			return swept, err
		}
		if !cleared {
			continue
		}
		swept++
		e.Events.Emit(ctx, id, "", "lease", domain.EventWarning, "lease expired; task returned to pending", nil)
	}
	return swept, nil
}

// ListPending returns claimable tasks, oldest first. Gated stage tasks
// whose predecessor has not succeeded are excluded.
func (e Engine) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.ListPending(ctx, limit, e.nowRFC3339())
}
