package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/classify"
	"dispatchline/internal/config"
	"dispatchline/internal/domain"
	"dispatchline/internal/events"
	"dispatchline/internal/guardrail"
	"dispatchline/internal/policy"
	"dispatchline/internal/repo"
	"dispatchline/internal/verify"
)

// Engine composes classification, guardrails, the policy gate, the lease
// manager and verification into the end-to-end routing flow. Multiple
// engine instances may run against the same store; correctness never
// depends on single-process memory.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   *events.Writer
	Config   *config.Config
	Tables   classify.Tables
	Gate     *policy.Gate
	Verifier *verify.Coordinator
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	w := &events.Writer{DB: db}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   w,
		Config:   cfg,
		Tables:   classify.FromConfig(cfg),
		Gate:     policy.NewGate(w),
		Verifier: verify.New(w, cfg.Verification.URL, time.Duration(cfg.Verification.TimeoutSeconds)*time.Second, cfg.Verification.MaxRetries, cfg.Verification.SkipKeys),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ensureArmed enforces the global kill switch. Disarmed rejects every
// claim/route attempt regardless of lease state.
func (e Engine) ensureArmed(ctx context.Context) error {
	armed, err := e.Repo.ExecutionArmed(ctx)
	if err != nil {
		return err
	}
	if !armed {
		return domain.NewError(domain.CodeExecutionDisarmed, "execution is disarmed; no claims or routing until re-armed")
	}
	return nil
}

// requireWorker rejects calls from unknown or terminated workers.
func (e Engine) requireWorker(ctx context.Context, workerID string) (domain.Worker, error) {
	if workerID == "" {
		return domain.Worker{}, domain.NewError(domain.CodeValidationFailed, "worker id is required")
	}
	w, err := e.Repo.GetWorker(ctx, workerID)
	if errors.Is(err, repo.ErrNotFound) {
		return w, domain.NewError(domain.CodeValidationFailed, "worker %s is not registered", workerID)
	}
	if err != nil {
		return w, err
	}
	if w.Status != domain.WorkerActive {
		return w, domain.NewError(domain.CodeValidationFailed, "worker %s is terminated", workerID)
	}
	return w, nil
}

var taskIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*-\d+$`)

// TaskCreateOptions are parameters for intake. Intake itself is an external
// process; this is the surface it writes through.
type TaskCreateOptions struct {
	ID           string
	Title        string
	Domain       domain.Domain
	SpecApproved bool
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if !taskIDPattern.MatchString(opts.ID) {
		return domain.Task{}, domain.NewError(domain.CodeValidationFailed, "task id %q must look like PREFIX-1234", opts.ID)
	}
	if opts.Title == "" {
		return domain.Task{}, domain.NewError(domain.CodeValidationFailed, "title is required")
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:           opts.ID,
		Title:        opts.Title,
		Domain:       opts.Domain,
		Status:       domain.StatusScheduled,
		SpecApproved: opts.SpecApproved,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, t.ID, "", "intake", domain.EventInfo, "task created", events.EventPayload{"title": t.Title}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// Route runs a work order through the pipeline: start event, payload
// validation, classification, guardrails, policy gate, then the routing
// decision. Mixed orders return an ordered stage list; concrete orders a
// single subagent target.
func (e Engine) Route(ctx context.Context, order domain.WorkOrder) (domain.RoutingResult, error) {
	var res domain.RoutingResult
	if err := e.ensureArmed(ctx); err != nil {
		return res, err
	}
	if order.TaskID == "" {
		return res, domain.NewError(domain.CodeValidationFailed, "work order task id is required")
	}
	task, err := e.Repo.GetTask(ctx, order.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, domain.NewError(domain.CodeValidationFailed, "task %s does not exist", order.TaskID)
	}
	if err != nil {
		return res, err
	}
	if task.IsTerminal {
		return res, domain.NewError(domain.CodeValidationFailed, "task %s is terminal; no further routing", task.ID)
	}
	if order.Title == "" {
		order.Title = task.Title
	}
	runID := order.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	e.Events.Emit(ctx, task.ID, runID, "route", domain.EventInfo, "routing started", events.EventPayload{"title": order.Title})

	d := classify.Classify(order, e.Tables)
	e.Events.Emit(ctx, task.ID, runID, "classify", domain.EventInfo, fmt.Sprintf("classified as %s", d), nil)

	guard := e.validatePaths(d, order.Paths)
	if !guard.Valid {
		e.Events.Emit(ctx, task.ID, runID, "guardrail", domain.EventError,
			fmt.Sprintf("%d path violation(s)", len(guard.Violations)), events.EventPayload{"violations": guard.Violations})
		return res, domain.NewError(domain.CodePathForbidden, "guardrail rejected %d path(s): %s", len(guard.Violations), guard.Violations[0].Reason)
	}

	verdicts, proceed, err := e.runPolicy(ctx, d, runID, order, task)
	if err != nil {
		return res, err
	}
	res.Verdicts = verdicts
	if !proceed {
		e.Events.Emit(ctx, task.ID, runID, "policy", domain.EventError, "policy gate blocked dispatch", nil)
		return res, domain.NewError(domain.CodeGovernanceBlocked, "policy gate blocked task %s", task.ID)
	}

	res.TaskID = task.ID
	res.RunID = runID
	res.Domain = d
	if d == domain.DomainMixed {
		stages, err := e.dispatchStages(ctx, task, runID, order)
		if err != nil {
			return res, err
		}
		res.Stages = stages
		return res, nil
	}
	target, ok := e.Config.Subagents[string(d)]
	if !ok || target == "" {
		return res, domain.NewError(domain.CodeSubagentUnavailable, "no executor class configured for domain %s", d)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskRouting(ctx, tx, task.ID, d, runID, e.nowRFC3339()); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, task.ID, runID, "route", domain.EventSuccess,
		fmt.Sprintf("routed to %s", target), events.EventPayload{"domain": string(d), "target": target}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Target = target
	return res, nil
}

// validatePaths applies the guardrail tables for the resolved domain.
func (e Engine) validatePaths(d domain.Domain, paths []string) guardrail.Result {
	return guardrail.Validate(d, paths, e.Tables)
}

// runPolicy executes the configured chain. Mixed orders run each stage
// domain's chain in precedence order; all must agree to proceed.
func (e Engine) runPolicy(ctx context.Context, d domain.Domain, runID string, order domain.WorkOrder, task domain.Task) ([]domain.PolicyVerdict, bool, error) {
	openTitles, err := e.Repo.OpenTaskTitles(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	pctx := policy.Context{
		TaskID:            task.ID,
		Title:             order.Title,
		SpecContent:       order.SpecContent,
		Paths:             order.Paths,
		MaxFiles:          order.MaxFiles,
		MaxDirs:           order.MaxDirs,
		OpenTitles:        openTitles,
		SensitivePatterns: e.Config.SensitivePatterns,
	}
	domains := []domain.Domain{d}
	if d == domain.DomainMixed {
		domains = classify.Stages(order, e.Tables)
	}
	var verdicts []domain.PolicyVerdict
	proceed := true
	for _, stageDomain := range domains {
		chain := e.Config.Policy.Chains[string(stageDomain)]
		result := e.Gate.RunChain(ctx, stageDomain, runID, chain, pctx)
		verdicts = append(verdicts, result.Verdicts...)
		if !result.Proceed {
			proceed = false
			break
		}
	}
	return verdicts, proceed, nil
}

// dispatchStages materializes the ordered stage tasks for a mixed order.
// Each stage is chained to its predecessor via stage_after, so stage n+1
// only becomes claimable after stage n ends in terminal success.
func (e Engine) dispatchStages(ctx context.Context, task domain.Task, runID string, order domain.WorkOrder) ([]domain.Stage, error) {
	stageDomains := classify.Stages(order, e.Tables)
	var stages []domain.Stage
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTaskRouting(ctx, tx, task.ID, domain.DomainMixed, runID, now); err != nil {
		return nil, err
	}
	var prev *string
	for _, d := range stageDomains {
		target, ok := e.Config.Subagents[string(d)]
		if !ok || target == "" {
			return nil, domain.NewError(domain.CodeSubagentUnavailable, "no executor class configured for domain %s", d)
		}
		stageID := fmt.Sprintf("%s.%s", task.ID, d)
		stageTask := domain.Task{
			ID:           stageID,
			Title:        fmt.Sprintf("%s (%s stage)", task.Title, d),
			Domain:       d,
			Status:       domain.StatusScheduled,
			SpecApproved: task.SpecApproved,
			StageAfter:   prev,
			RunID:        runID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if _, err := e.Repo.GetTaskTx(ctx, tx, stageID); err == nil {
			return nil, domain.NewError(domain.CodeValidationFailed, "stage task %s already exists", stageID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if err := e.Repo.InsertTask(ctx, tx, stageTask); err != nil {
			return nil, fmt.Errorf("insert stage task %s: %w", stageID, err)
		}
		if err := e.Events.Append(ctx, tx, stageID, runID, "route", domain.EventInfo,
			fmt.Sprintf("stage scheduled for %s", target), events.EventPayload{"domain": string(d), "after": prev}); err != nil {
			return nil, err
		}
		id := stageID
		prev = &id
		stages = append(stages, domain.Stage{Domain: d, Target: target})
	}
	if err := e.Events.Append(ctx, tx, task.ID, runID, "route", domain.EventSuccess,
		fmt.Sprintf("split into %d gated stages", len(stages)), events.EventPayload{"stages": stages}); err != nil {
		return nil, err
	}
	return stages, tx.Commit()
}

// ReportProgress records a worker's progress event. The worker must hold
// the task's lease.
func (e Engine) ReportProgress(ctx context.Context, taskID, workerID, stage, message string, metadata map[string]any) error {
	if _, err := e.requireWorker(ctx, workerID); err != nil {
		return err
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NewError(domain.CodeValidationFailed, "task %s does not exist", taskID)
	}
	if err != nil {
		return err
	}
	if task.ClaimedBy == nil || *task.ClaimedBy != workerID {
		return domain.NewError(domain.CodeValidationFailed, "worker %s does not hold the lease on %s", workerID, taskID)
	}
	if stage == "" {
		stage = "progress"
	}
	e.Events.Emit(ctx, taskID, task.RunID, stage, domain.EventInfo, message, events.EventPayload(metadata))
	return nil
}

// MarkSuccess finalizes a task as completed. Terminal is permanent.
func (e Engine) MarkSuccess(ctx context.Context, taskID, runID, reason string) error {
	return e.markTerminal(ctx, taskID, runID, domain.StatusCompleted, domain.OutcomeSuccess, reason)
}

// MarkFailed finalizes a task as failed with a human-readable reason.
func (e Engine) MarkFailed(ctx context.Context, taskID, runID, reason string) error {
	return e.markTerminal(ctx, taskID, runID, domain.StatusFailed, domain.OutcomeError, reason)
}

func (e Engine) markTerminal(ctx context.Context, taskID, runID string, status domain.TaskStatus, outcome domain.TerminalOutcome, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	if err := e.Repo.MarkTerminal(ctx, tx, taskID, status, outcome, reason, now); err != nil {
		return err
	}
	evtStatus := domain.EventSuccess
	if outcome == domain.OutcomeError {
		evtStatus = domain.EventError
	}
	if err := e.Events.Append(ctx, tx, taskID, runID, "finalize", evtStatus,
		fmt.Sprintf("task %s: %s", status, reason), events.EventPayload{"outcome": string(outcome)}); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterWorker registers (or re-registers) an executor and issues a fresh
// API key. The plaintext key is returned exactly once.
func (e Engine) RegisterWorker(ctx context.Context, id string, capabilities []string, maxConcurrency int) (domain.Worker, string, error) {
	if id == "" {
		return domain.Worker{}, "", domain.NewError(domain.CodeValidationFailed, "worker id is required")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	now := e.nowRFC3339()
	w := domain.Worker{
		ID:             id,
		Capabilities:   capabilities,
		MaxConcurrency: maxConcurrency,
		Status:         domain.WorkerActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	secret := uuid.New().String()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorker(ctx, tx, w); err != nil {
		return w, "", fmt.Errorf("upsert worker: %w", err)
	}
	if err := e.Repo.InsertWorkerKey(ctx, tx, repo.WorkerKey{
		ID:        uuid.New().String(),
		WorkerID:  id,
		KeyHash:   repo.HashWorkerKey(secret),
		CreatedAt: now,
	}); err != nil {
		return w, "", fmt.Errorf("insert worker key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "", "", "worker", domain.EventInfo,
		fmt.Sprintf("worker %s registered", id), events.EventPayload{"capabilities": capabilities}); err != nil {
		return w, "", err
	}
	return w, secret, tx.Commit()
}

// UnregisterWorker soft-deletes a worker and force-releases any claim it
// holds so its tasks return to the pending pool.
func (e Engine) UnregisterWorker(ctx context.Context, id string) error {
	if _, err := e.Repo.GetWorker(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NewError(domain.CodeValidationFailed, "worker %s is not registered", id)
		}
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	if err := e.Repo.TerminateWorker(ctx, tx, id, now); err != nil {
		return err
	}
	released, err := e.Repo.ReleaseWorkerClaims(ctx, tx, id, now)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteWorkerKeys(ctx, tx, id); err != nil {
		return err
	}
	for _, taskID := range released {
		if err := e.Events.Append(ctx, tx, taskID, "", "lease", domain.EventWarning,
			fmt.Sprintf("lease force-released; worker %s unregistered", id), nil); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "", "", "worker", domain.EventInfo,
		fmt.Sprintf("worker %s unregistered", id), events.EventPayload{"released_tasks": released}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetArmed flips the global execution switch and records the change.
func (e Engine) SetArmed(ctx context.Context, armed bool, reason string) error {
	if err := e.Repo.SetExecutionArmed(ctx, armed); err != nil {
		return err
	}
	state := "disarmed"
	if armed {
		state = "armed"
	}
	e.Events.Emit(ctx, "", "", "governance", domain.EventWarning,
		fmt.Sprintf("execution %s", state), events.EventPayload{"reason": reason})
	return nil
}
