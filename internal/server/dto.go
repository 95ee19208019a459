package server

import (
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
)

type CreateTaskRequest struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Domain       string `json:"domain,omitempty"`
	SpecApproved bool   `json:"spec_approved,omitempty"`
}

type TaskResponse struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Domain          string  `json:"domain"`
	Status          string  `json:"status"`
	IsTerminal      bool    `json:"is_terminal"`
	TerminalOutcome *string `json:"terminal_outcome,omitempty"`
	SpecApproved    bool    `json:"spec_approved"`
	ClaimedBy       *string `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *string `json:"claim_expires_at,omitempty"`
	StageAfter      *string `json:"stage_after,omitempty"`
	RunID           string  `json:"run_id,omitempty"`
	RetryCount      int     `json:"retry_count"`
	Reason          string  `json:"reason,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	var outcome *string
	if t.TerminalOutcome != nil {
		s := string(*t.TerminalOutcome)
		outcome = &s
	}
	return TaskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Domain:          string(t.Domain),
		Status:          string(t.Status),
		IsTerminal:      t.IsTerminal,
		TerminalOutcome: outcome,
		SpecApproved:    t.SpecApproved,
		ClaimedBy:       t.ClaimedBy,
		ClaimExpiresAt:  t.ClaimExpiresAt,
		StageAfter:      t.StageAfter,
		RunID:           t.RunID,
		RetryCount:      t.RetryCount,
		Reason:          t.Reason,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

type RouteRequest struct {
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	SpecContent string   `json:"spec_content,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	MaxFiles    int      `json:"max_files,omitempty"`
	MaxDirs     int      `json:"max_dirs,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
}

type StageResponse struct {
	Domain string `json:"domain"`
	Target string `json:"target"`
}

type VerdictResponse struct {
	RuleID      string         `json:"rule_id"`
	RuleName    string         `json:"rule_name"`
	Status      string         `json:"status"`
	EvaluatedAt string         `json:"evaluated_at"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type RouteResponse struct {
	TaskID   string            `json:"task_id"`
	RunID    string            `json:"run_id"`
	Domain   string            `json:"domain"`
	Target   string            `json:"target,omitempty"`
	Stages   []StageResponse   `json:"stages,omitempty"`
	Verdicts []VerdictResponse `json:"verdicts,omitempty"`
}

func routeResponse(r domain.RoutingResult) RouteResponse {
	out := RouteResponse{
		TaskID: r.TaskID,
		RunID:  r.RunID,
		Domain: string(r.Domain),
		Target: r.Target,
	}
	for _, s := range r.Stages {
		out.Stages = append(out.Stages, StageResponse{Domain: string(s.Domain), Target: s.Target})
	}
	for _, v := range r.Verdicts {
		out.Verdicts = append(out.Verdicts, VerdictResponse{
			RuleID:      v.RuleID,
			RuleName:    v.RuleName,
			Status:      string(v.Status),
			EvaluatedAt: v.EvaluatedAt,
			Metadata:    v.Metadata,
		})
	}
	return out
}

type RegisterWorkerRequest struct {
	ID             string   `json:"id"`
	Capabilities   []string `json:"capabilities,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

type WorkerResponse struct {
	ID              string   `json:"id"`
	Capabilities    []string `json:"capabilities,omitempty"`
	MaxConcurrency  int      `json:"max_concurrency"`
	Status          string   `json:"status"`
	LastHeartbeatAt *string  `json:"last_heartbeat_at,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:              w.ID,
		Capabilities:    w.Capabilities,
		MaxConcurrency:  w.MaxConcurrency,
		Status:          string(w.Status),
		LastHeartbeatAt: w.LastHeartbeatAt,
		CreatedAt:       w.CreatedAt,
	}
}

type RegisterWorkerResponse struct {
	Worker WorkerResponse `json:"worker"`
	APIKey string         `json:"api_key"`
}

type ClaimRequest struct {
	WorkerID   string `json:"worker_id,omitempty"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

type ClaimResponse struct {
	Claimed   bool   `json:"claimed"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type ReleaseRequest struct {
	WorkerID string `json:"worker_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ProgressRequest struct {
	WorkerID string         `json:"worker_id,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type HeartbeatRequest struct {
	TaskID string `json:"task_id,omitempty"`
}

type ClaimedChangeRequest struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

type CompleteRequest struct {
	Domain     string                 `json:"domain,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Changes    []ClaimedChangeRequest `json:"claimed_changes,omitempty"`
	SkipKey    string                 `json:"skip_verification_key,omitempty"`
	SkipReason string                 `json:"skip_verification_reason,omitempty"`
}

type CompletionResponse struct {
	Status     string `json:"status"`
	TaskID     string `json:"task_id"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason,omitempty"`
}

func completionResponse(r engine.CompletionResult) CompletionResponse {
	return CompletionResponse{
		Status:     string(r.Status),
		TaskID:     r.TaskID,
		RetryCount: r.RetryCount,
		Reason:     r.Reason,
	}
}

type ArmRequest struct {
	Reason string `json:"reason,omitempty"`
}

type EventResponse struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	TaskID  string `json:"task_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Payload string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		TaskID:  e.TaskID,
		RunID:   e.RunID,
		Stage:   e.Stage,
		Status:  string(e.Status),
		Message: e.Message,
		Payload: e.Payload,
	}
}
