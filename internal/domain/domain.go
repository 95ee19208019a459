package domain

// Domain is the closed set of execution domains a work order can resolve to.
type Domain string

const (
	DomainFrontend Domain = "frontend"
	DomainBackend  Domain = "backend"
	DomainMemory   Domain = "memory"
	DomainMixed    Domain = "mixed"
	DomainUnset    Domain = ""
)

// Concrete reports whether the domain names a single execution target.
func (d Domain) Concrete() bool {
	switch d {
	case DomainFrontend, DomainBackend, DomainMemory:
		return true
	}
	return false
}

// ParseDomain validates a caller-supplied domain string.
func ParseDomain(s string) (Domain, bool) {
	switch Domain(s) {
	case DomainFrontend, DomainBackend, DomainMemory, DomainMixed:
		return Domain(s), true
	case DomainUnset:
		return DomainUnset, true
	}
	return DomainUnset, false
}

// StageOrder is the fixed dispatch precedence for mixed work orders.
// Memory-layer changes (schema, migrations) must land before the code that
// depends on them, and backend changes before frontend code calling new
// endpoints.
var StageOrder = []Domain{DomainMemory, DomainBackend, DomainFrontend}

type TaskStatus string

const (
	StatusScheduled  TaskStatus = "scheduled"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

type TerminalOutcome string

const (
	OutcomeSuccess TerminalOutcome = "success"
	OutcomeError   TerminalOutcome = "error"
)

// Task is the unit of schedulable work. Created by intake, mutated only by
// the lease manager (claim fields) and the orchestrator (status/terminal
// fields), never deleted.
type Task struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Domain          Domain           `json:"domain,omitempty"`
	Status          TaskStatus       `json:"status" enum:"scheduled,in_progress,completed,failed"`
	IsTerminal      bool             `json:"is_terminal"`
	TerminalOutcome *TerminalOutcome `json:"terminal_outcome,omitempty" enum:"success,error"`
	SpecApproved    bool             `json:"spec_approved"`
	ClaimedBy       *string          `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *string          `json:"claim_expires_at,omitempty" format:"date-time"`
	ClaimTTLMinutes *int             `json:"claim_ttl_minutes,omitempty"`
	StageAfter      *string          `json:"stage_after,omitempty"`
	RunID           string           `json:"run_id,omitempty"`
	RetryCount      int              `json:"retry_count"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	UpdatedAt       string           `json:"updated_at" format:"date-time"`
}

// WorkOrder is an ephemeral request to route a task. It lives for one
// routing call and is never persisted.
type WorkOrder struct {
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title"`
	Domain      Domain   `json:"domain,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	MaxFiles    int      `json:"max_files,omitempty"`
	MaxDirs     int      `json:"max_directories,omitempty"`
	SpecContent string   `json:"spec_content,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
}

// Claim records exclusive time-bounded ownership of a task. A claim is
// active iff ExpiresAt is in the future; expired claims are takeable.
type Claim struct {
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type WorkerStatus string

const (
	WorkerActive     WorkerStatus = "active"
	WorkerTerminated WorkerStatus = "terminated"
)

// Worker is a known executor registration.
type Worker struct {
	ID              string       `json:"id"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	MaxConcurrency  int          `json:"max_concurrency"`
	Status          WorkerStatus `json:"status" enum:"active,terminated"`
	LastHeartbeatAt *string      `json:"last_heartbeat_at,omitempty" format:"date-time"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

type EventStatus string

const (
	EventInfo    EventStatus = "info"
	EventSuccess EventStatus = "success"
	EventWarning EventStatus = "warning"
	EventError   EventStatus = "error"
)

// Event is an immutable fact in the append-only log. The event sequence for
// a task is the authoritative history; consumers replay it rather than
// trusting any single mutable field.
type Event struct {
	ID      int64       `json:"id"`
	TS      string      `json:"ts" format:"date-time"`
	TaskID  string      `json:"task_id,omitempty"`
	RunID   string      `json:"run_id,omitempty"`
	Stage   string      `json:"stage"`
	Status  EventStatus `json:"status" enum:"info,success,warning,error"`
	Message string      `json:"message"`
	Payload string      `json:"payload_json,omitempty"`
}

type VerdictStatus string

const (
	VerdictPass VerdictStatus = "PASS"
	VerdictFail VerdictStatus = "FAIL"
)

// PolicyVerdict is one rule's outcome within a chain run. Verdicts are
// emitted as events and returned synchronously; they are not stored as rows.
type PolicyVerdict struct {
	RuleID      string         `json:"rule_id"`
	RuleName    string         `json:"rule_name"`
	Status      VerdictStatus  `json:"status" enum:"PASS,FAIL"`
	EvaluatedAt string         `json:"evaluated_at" format:"date-time"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ClaimedChange is one file change a worker reports on completion.
type ClaimedChange struct {
	Path   string `json:"path"`
	Action string `json:"action" enum:"created,modified,deleted"`
}

// Stage is one dispatch step of a routed work order.
type Stage struct {
	Domain Domain `json:"domain"`
	Target string `json:"target"`
}

// RoutingResult is the outcome of routing one work order. Concrete domains
// carry a single target; mixed carries the ordered stage list.
type RoutingResult struct {
	TaskID   string          `json:"task_id"`
	RunID    string          `json:"run_id"`
	Domain   Domain          `json:"domain"`
	Target   string          `json:"target,omitempty"`
	Stages   []Stage         `json:"stages,omitempty"`
	Verdicts []PolicyVerdict `json:"verdicts,omitempty"`
}
