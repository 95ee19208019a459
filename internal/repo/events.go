package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dispatchline/internal/domain"
)

type EventFilters struct {
	TaskID string
	RunID  string
	Stage  string
	Status string
	Limit  int
	Cursor int64
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var taskID, runID, payload sql.NullString
	err := scan(&e.ID, &e.TS, &taskID, &runID, &e.Stage, (*string)(&e.Status), &e.Message, &payload)
	if err != nil {
		return e, err
	}
	if taskID.Valid {
		e.TaskID = taskID.String
	}
	if runID.Valid {
		e.RunID = runID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,task_id,run_id,stage,status,message,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for consumers replaying the history.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, taskID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,task_id,run_id,stage,status,message,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, scoped to one task when
// taskID is set. Consumers use it as the starting cursor for EventsAfter.
func (r Repo) LatestEventID(ctx context.Context, taskID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
