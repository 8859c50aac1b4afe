// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package fullsync

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const lastProcessedEventKey = "last_processed_event_id"

// CheckpointStore persists the last-processed-event-id checkpoint. Its
// presence is what distinguishes "full sync already done" from "needs
// bootstrap" across restarts.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore initializes the sync state table (idempotent).
func NewCheckpointStore(db *sql.DB) (*CheckpointStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS _sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize sync state table: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// LastProcessedEventID returns the checkpoint and whether one exists.
func (s *CheckpointStore) LastProcessedEventID(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM _sync_state WHERE key = ?
	`, lastProcessedEventKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read event checkpoint: %w", err)
	}
	return id, true, nil
}

// SetLastProcessedEventID writes the checkpoint.
func (s *CheckpointStore) SetLastProcessedEventID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastProcessedEventKey, id)
	if err != nil {
		return fmt.Errorf("failed to write event checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoint removes the checkpoint so the next run bootstraps from
// scratch. Clearing a missing checkpoint is a no-op.
func (s *CheckpointStore) ClearCheckpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM _sync_state WHERE key = ?
	`, lastProcessedEventKey)
	if err != nil {
		return fmt.Errorf("failed to clear event checkpoint: %w", err)
	}
	return nil
}
