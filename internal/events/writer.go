package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"dispatchline/internal/domain"
)

// Writer appends to the immutable event log. Append participates in the
// caller's transaction; Emit is best-effort and never propagates failure
// into the caller's control flow.
type Writer struct {
	DB      *sql.DB
	Now     func() time.Time
	dropped atomic.Int64
}

type EventPayload map[string]any

// Append writes one event inside an open transaction.
func (w *Writer) Append(ctx context.Context, tx *sql.Tx, taskID, runID, stage string, status domain.EventStatus, message string, payload EventPayload) error {
	ts, data, err := w.prepare(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,task_id,run_id,stage,status,message,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, nullable(taskID), nullable(runID), stage, string(status), message, data)
	return err
}

// Emit writes one event outside any transaction. The audit log must never
// block the main flow, so failures are logged and counted instead of
// returned.
func (w *Writer) Emit(ctx context.Context, taskID, runID, stage string, status domain.EventStatus, message string, payload EventPayload) {
	ts, data, err := w.prepare(payload)
	if err == nil {
		_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,task_id,run_id,stage,status,message,payload_json) VALUES (?,?,?,?,?,?,?)`,
			ts, nullable(taskID), nullable(runID), stage, string(status), message, data)
	}
	if err != nil {
		w.dropped.Add(1)
		log.Printf("events: emit %s for task %s failed: %v", stage, taskID, err)
	}
}

// Dropped returns how many Emit calls have been lost since startup.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Writer) prepare(payload EventPayload) (string, string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return ts, string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
