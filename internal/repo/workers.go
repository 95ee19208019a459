package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dispatchline/internal/domain"
)

func scanWorker(scan func(dest ...any) error) (domain.Worker, error) {
	var w domain.Worker
	var caps string
	var lastHeartbeat sql.NullString
	err := scan(&w.ID, &caps, &w.MaxConcurrency, (*string)(&w.Status), &lastHeartbeat, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			return w, fmt.Errorf("worker %s capabilities: %w", w.ID, err)
		}
	}
	if lastHeartbeat.Valid {
		w.LastHeartbeatAt = &lastHeartbeat.String
	}
	return w, nil
}

// UpsertWorker registers or re-registers a worker. Re-registration
// reactivates a terminated worker.
func (r Repo) UpsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	if w.Capabilities == nil {
		caps = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workers(id,capabilities_json,max_concurrency,status,last_heartbeat_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET capabilities_json=excluded.capabilities_json, max_concurrency=excluded.max_concurrency,
	status=excluded.status, updated_at=excluded.updated_at`,
		w.ID, string(caps), w.MaxConcurrency, string(w.Status), nullableStringPtr(w.LastHeartbeatAt), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,capabilities_json,max_concurrency,status,last_heartbeat_at,created_at,updated_at FROM workers WHERE id=?`, id)
	return scanWorker(row.Scan)
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,capabilities_json,max_concurrency,status,last_heartbeat_at,created_at,updated_at FROM workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// TerminateWorker soft-deletes a worker registration.
func (r Repo) TerminateWorker(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workers SET status=?, updated_at=? WHERE id=?`,
		string(domain.WorkerTerminated), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseWorkerClaims force-clears every claim held by a worker and returns
// the affected task ids. Used when a worker unregisters.
func (r Repo) ReleaseWorkerClaims(ctx context.Context, tx *sql.Tx, workerID, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE claimed_by=? AND is_terminal=0`, workerID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks
		SET claimed_by=NULL, claim_expires_at=NULL, claim_ttl_minutes=NULL, status=?, updated_at=?
		WHERE claimed_by=? AND is_terminal=0`,
		string(domain.StatusScheduled), now, workerID)
	return ids, err
}

// TouchWorkerHeartbeat records worker liveness.
func (r Repo) TouchWorkerHeartbeat(ctx context.Context, workerID, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET last_heartbeat_at=?, updated_at=? WHERE id=? AND status=?`,
		now, now, workerID, string(domain.WorkerActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
