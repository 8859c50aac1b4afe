// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package outbox is the durable local queue of not-yet-acknowledged
// mutations and the replicator that uploads them to the server in
// acknowledged batches.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wireapp/kalium-sub012/syncstate"
)

// Settings keys in _sync_settings.
const (
	settingEnabled   = "outbox_enabled"
	settingBatchSize = "outbox_batch_size"
)

// DefaultBatchSize bounds one upload when no batch size is configured.
const DefaultBatchSize = 100

// Store persists outbox operations in SQLite. Row-status transitions are
// transactional; concurrent batch selection never hands out the same row
// twice.
type Store struct {
	db    *sql.DB
	stats *syncstate.State[Stats]
}

// NewStore initializes the outbox tables (idempotent) and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS _outbox (
		id            TEXT PRIMARY KEY,
		table_name    TEXT NOT NULL,
		op            TEXT NOT NULL CHECK (op IN ('UPSERT','DELETE')),
		row_key       TEXT NOT NULL,
		row_data      TEXT,
		created_at    INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING'
			CHECK (status IN ('PENDING','IN_PROGRESS','SENT','FAILED')),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status ON _outbox(status, created_at);

	CREATE TABLE IF NOT EXISTS _sync_settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize outbox tables: %w", err)
	}

	s := &Store{db: db, stats: syncstate.NewState(Stats{})}
	if err := s.refreshStats(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Enqueue records a local mutation as PENDING. rowData must be nil for
// DELETE operations.
func (s *Store) Enqueue(ctx context.Context, table, op, rowKey string, rowData json.RawMessage) (*Operation, error) {
	o := &Operation{
		ID:        uuid.NewString(),
		Table:     table,
		Op:        op,
		RowKey:    rowKey,
		RowData:   rowData,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}
	var data any
	if rowData != nil {
		data = string(rowData)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _outbox (id, table_name, op, row_key, row_data, created_at, status, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 0)
	`, o.ID, o.Table, o.Op, o.RowKey, data, o.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox operation: %w", err)
	}
	s.notifyStats(ctx)
	return o, nil
}

// SelectBatch atomically picks up to limit PENDING operations in creation
// order and marks them IN_PROGRESS.
func (s *Store) SelectBatch(ctx context.Context, limit int) ([]Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, table_name, op, row_key, row_data, created_at, attempt_count
		FROM _outbox
		WHERE status = 'PENDING'
		ORDER BY created_at, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}

	var batch []Operation
	for rows.Next() {
		var o Operation
		var rowData sql.NullString
		var createdAt int64
		if err := rows.Scan(&o.ID, &o.Table, &o.Op, &o.RowKey, &rowData, &createdAt, &o.AttemptCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		if rowData.Valid {
			o.RowData = json.RawMessage(rowData.String)
		}
		o.CreatedAt = time.UnixMilli(createdAt)
		o.Status = StatusInProgress
		batch = append(batch, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending operations: %w", err)
	}

	for _, o := range batch {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _outbox SET status = 'IN_PROGRESS' WHERE id = ?
		`, o.ID); err != nil {
			return nil, fmt.Errorf("failed to mark operation in progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch selection: %w", err)
	}
	s.notifyStats(ctx)
	return batch, nil
}

// MarkSent marks server-accepted operations SENT.
func (s *Store) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _outbox SET status = 'SENT', last_error = NULL WHERE id = ?
		`, id); err != nil {
			return fmt.Errorf("failed to mark operation sent: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sent statuses: %w", err)
	}
	s.notifyStats(ctx)
	return nil
}

// MarkFailed marks an operation FAILED with the given reason and counts the
// attempt.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE _outbox
		SET status = 'FAILED', attempt_count = attempt_count + 1, last_error = ?
		WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark operation failed: %w", err)
	}
	s.notifyStats(ctx)
	return nil
}

// ResetFailed returns FAILED operations with fewer than maxAttempts
// attempts to PENDING and reports how many were reset. Rows at or above the
// threshold stay FAILED for diagnostic surfacing.
func (s *Store) ResetFailed(ctx context.Context, maxAttempts int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE _outbox SET status = 'PENDING'
		WHERE status = 'FAILED' AND attempt_count < ?
	`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset operations: %w", err)
	}
	s.notifyStats(ctx)
	return int(n), nil
}

// PendingCount counts operations still awaiting upload.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _outbox WHERE status = 'PENDING'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// Get returns one operation by id.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	var o Operation
	var rowData, lastError sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, op, row_key, row_data, created_at, status, attempt_count, last_error
		FROM _outbox WHERE id = ?
	`, id).Scan(&o.ID, &o.Table, &o.Op, &o.RowKey, &rowData, &createdAt, &o.Status, &o.AttemptCount, &lastError)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	if rowData.Valid {
		o.RowData = json.RawMessage(rowData.String)
	}
	o.LastError = lastError.String
	o.CreatedAt = time.UnixMilli(createdAt)
	return &o, nil
}

// ObserveStats exposes the queue composition as an observable stream.
func (s *Store) ObserveStats() *syncstate.State[Stats] {
	return s.stats
}

func (s *Store) refreshStats(ctx context.Context) error {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'PENDING'), 0),
			COALESCE(SUM(status = 'IN_PROGRESS'), 0),
			COALESCE(SUM(status = 'FAILED'), 0)
		FROM _outbox
	`).Scan(&st.Pending, &st.InProgress, &st.Failed)
	if err != nil {
		return fmt.Errorf("failed to compute outbox stats: %w", err)
	}
	s.stats.Set(st)
	return nil
}

func (s *Store) notifyStats(ctx context.Context) {
	// Stats are advisory; a failed refresh keeps the previous snapshot.
	_ = s.refreshStats(ctx)
}

// IsEnabled reports whether replication is switched on. Defaults to true
// when never configured.
func (s *Store) IsEnabled(ctx context.Context) (bool, error) {
	v, ok, err := s.getSetting(ctx, settingEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return v == "true", nil
}

// SetEnabled persists the replication switch.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return s.setSetting(ctx, settingEnabled, v)
}

// BatchSize returns the configured upload batch size, or DefaultBatchSize.
func (s *Store) BatchSize(ctx context.Context) (int, error) {
	v, ok, err := s.getSetting(ctx, settingBatchSize)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultBatchSize, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return DefaultBatchSize, nil
	}
	return n, nil
}

// SetBatchSize persists the upload batch size.
func (s *Store) SetBatchSize(ctx context.Context, n int) error {
	return s.setSetting(ctx, settingBatchSize, fmt.Sprintf("%d", n))
}

func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _sync_settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
