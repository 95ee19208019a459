package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dispatchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,title,domain,status,is_terminal,terminal_outcome,spec_approved,claimed_by,claim_expires_at,claim_ttl_minutes,stage_after,run_id,retry_count,reason,created_at,updated_at`

// stageGateClause admits a task only when its predecessor stage, if any,
// ended in terminal success. Mixed-domain stages are strictly gated.
const stageGateClause = `(stage_after IS NULL OR EXISTS (
	SELECT 1 FROM tasks p WHERE p.id = tasks.stage_after AND p.is_terminal = 1 AND p.terminal_outcome = 'success'
))`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var terminalOutcome, claimedBy, claimExpires, stageAfter sql.NullString
	var claimTTL sql.NullInt64
	var isTerminal, specApproved int
	err := scan(&t.ID, &t.Title, (*string)(&t.Domain), (*string)(&t.Status), &isTerminal, &terminalOutcome, &specApproved,
		&claimedBy, &claimExpires, &claimTTL, &stageAfter, &t.RunID, &t.RetryCount, &t.Reason, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsTerminal = isTerminal != 0
	t.SpecApproved = specApproved != 0
	if terminalOutcome.Valid {
		o := domain.TerminalOutcome(terminalOutcome.String)
		t.TerminalOutcome = &o
	}
	if claimedBy.Valid {
		t.ClaimedBy = &claimedBy.String
	}
	if claimExpires.Valid {
		t.ClaimExpiresAt = &claimExpires.String
	}
	if claimTTL.Valid {
		ttl := int(claimTTL.Int64)
		t.ClaimTTLMinutes = &ttl
	}
	if stageAfter.Valid {
		t.StageAfter = &stageAfter.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, string(t.Domain), string(t.Status), boolInt(t.IsTerminal), nullableStringPtr((*string)(t.TerminalOutcome)),
		boolInt(t.SpecApproved), nullableStringPtr(t.ClaimedBy), nullableStringPtr(t.ClaimExpiresAt),
		nullableIntPtr(t.ClaimTTLMinutes), nullableStringPtr(t.StageAfter), t.RunID, t.RetryCount, t.Reason,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// SetTaskRouting records the resolved domain and run id after classification.
func (r Repo) SetTaskRouting(ctx context.Context, tx *sql.Tx, taskID string, d domain.Domain, runID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET domain=?, run_id=?, updated_at=? WHERE id=? AND is_terminal=0`,
		string(d), runID, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTask is the single conditional write that makes claims race-safe:
// the WHERE clause re-checks "unclaimed or expired" at write time, so under
// N concurrent callers exactly one UPDATE matches.
func (r Repo) ClaimTask(ctx context.Context, taskID, workerID, expiresAt string, ttlMinutes int, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
		SET claimed_by=?, claim_expires_at=?, claim_ttl_minutes=?, status=?, updated_at=?
		WHERE id=? AND is_terminal=0 AND spec_approved=1
		  AND (claimed_by IS NULL OR claim_expires_at<=?)
		  AND `+stageGateClause,
		workerID, expiresAt, ttlMinutes, string(domain.StatusInProgress), now, taskID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseClaim clears the claim fields when held by workerID. Zero rows is
// not an error: release is idempotent.
func (r Repo) ReleaseClaim(ctx context.Context, tx *sql.Tx, taskID, workerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
		SET claimed_by=NULL, claim_expires_at=NULL, claim_ttl_minutes=NULL, status=?, updated_at=?
		WHERE id=? AND claimed_by=? AND is_terminal=0`,
		string(domain.StatusScheduled), now, taskID, workerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RenewLease extends an active (non-expired) lease held by workerID.
func (r Repo) RenewLease(ctx context.Context, taskID, workerID, expiresAt, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET claim_expires_at=?, updated_at=?
		WHERE id=? AND claimed_by=? AND is_terminal=0 AND claim_expires_at>?`,
		expiresAt, now, taskID, workerID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExpiredClaims returns task ids whose lease has lapsed without release.
func (r Repo) ExpiredClaims(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks
		WHERE claimed_by IS NOT NULL AND claim_expires_at<=? AND is_terminal=0 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearExpiredClaim force-clears one lapsed claim; the expiry condition is
// re-checked so a lease renewed in the meantime survives.
func (r Repo) ClearExpiredClaim(ctx context.Context, taskID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks
		SET claimed_by=NULL, claim_expires_at=NULL, claim_ttl_minutes=NULL, status=?, updated_at=?
		WHERE id=? AND claimed_by IS NOT NULL AND claim_expires_at<=? AND is_terminal=0`,
		string(domain.StatusScheduled), now, taskID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListPending returns claimable tasks oldest-first: not terminal, approved,
// free claim window, stage gate satisfied.
func (r Repo) ListPending(ctx context.Context, limit int, now string) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE is_terminal=0 AND spec_approved=1
		  AND (claimed_by IS NULL OR claim_expires_at<=?)
		  AND `+stageGateClause+`
		ORDER BY created_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type TaskFilters struct {
	Status   string
	Domain   string
	WorkerID string
	Limit    int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.WorkerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OpenTaskTitles returns id/title pairs for non-terminal tasks, used by the
// duplicate-work policy rule.
func (r Repo) OpenTaskTitles(ctx context.Context, excludeID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, title FROM tasks WHERE is_terminal=0 AND id != ?`, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		res[id] = title
	}
	return res, rows.Err()
}

// MarkTerminal writes the permanent terminal state. The is_terminal=0 guard
// makes terminal a one-way door.
func (r Repo) MarkTerminal(ctx context.Context, tx *sql.Tx, taskID string, status domain.TaskStatus, outcome domain.TerminalOutcome, reason, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks
		SET status=?, is_terminal=1, terminal_outcome=?, reason=?,
		    claimed_by=NULL, claim_expires_at=NULL, claim_ttl_minutes=NULL, updated_at=?
		WHERE id=? AND is_terminal=0`,
		string(status), string(outcome), reason, now, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s is already terminal", taskID)
	}
	return nil
}

// IncrementRetry bumps the verification retry counter.
func (r Repo) IncrementRetry(ctx context.Context, taskID, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET retry_count=retry_count+1, updated_at=? WHERE id=? AND is_terminal=0`, now, taskID)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ExecutionArmed reads the global kill switch. Read-then-act with no lock;
// the flag is a governance throttle, not a hard-real-time control.
func (r Repo) ExecutionArmed(ctx context.Context) (bool, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key='execution_armed'`).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

func (r Repo) SetExecutionArmed(ctx context.Context, armed bool) error {
	value := "false"
	if armed {
		value = "true"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES ('execution_armed', ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, value)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
