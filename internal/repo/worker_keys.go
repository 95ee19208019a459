package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// WorkerKey is a hashed credential a worker presents on API calls.
type WorkerKey struct {
	ID        string
	WorkerID  string
	KeyHash   string
	CreatedAt string
}

// HashWorkerKey returns a stable SHA-256 hex digest for the provided key.
func HashWorkerKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertWorkerKey stores a hashed worker key. KeyHash must already contain
// the hashed value; the plaintext is never persisted.
func (r Repo) InsertWorkerKey(ctx context.Context, tx *sql.Tx, key WorkerKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.WorkerID == "" {
		return errors.New("worker_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO worker_keys(id, worker_id, key_hash, created_at) VALUES (?,?,?,?)`,
		key.ID, key.WorkerID, key.KeyHash, key.CreatedAt)
	return err
}

// GetWorkerKeyByHash returns a worker key by its hashed value.
func (r Repo) GetWorkerKeyByHash(ctx context.Context, hash string) (WorkerKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, worker_id, key_hash, created_at FROM worker_keys WHERE key_hash=? LIMIT 1`, hash)
	var key WorkerKey
	err := row.Scan(&key.ID, &key.WorkerID, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return WorkerKey{}, ErrNotFound
	}
	return key, err
}

// DeleteWorkerKeys removes all keys for a worker.
func (r Repo) DeleteWorkerKeys(ctx context.Context, tx *sql.Tx, workerID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM worker_keys WHERE worker_id=?`, workerID)
	return err
}
