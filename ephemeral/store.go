// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package ephemeral

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MessageStore is a SQLite-backed message adapter with the operations the
// self-deletion path needs. The surrounding application owns the rows; this
// store only reads message attributes and drives the deletion lifecycle.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore initializes the messages table (idempotent) and returns
// the store.
func NewMessageStore(db *sql.DB) (*MessageStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		conversation_id          TEXT NOT NULL,
		message_id               TEXT NOT NULL,
		message_type             TEXT NOT NULL CHECK (message_type IN ('REGULAR','SIGNALING','SYSTEM')),
		status                   TEXT NOT NULL,
		is_self_sender           INTEGER NOT NULL DEFAULT 0,
		expire_after_ms          INTEGER NOT NULL DEFAULT 0,
		self_deletion_started_at INTEGER,
		asset_path               TEXT,
		deleted                  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (conversation_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_self_deletion
		ON messages(self_deletion_started_at) WHERE self_deletion_started_at IS NOT NULL;`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize messages table: %w", err)
	}
	return &MessageStore{db: db}, nil
}

// InsertMessage persists a new message row.
func (s *MessageStore) InsertMessage(ctx context.Context, m Message) error {
	var startedAt *int64
	if m.SelfDeletionStartedAt != nil {
		ms := m.SelfDeletionStartedAt.UnixMilli()
		startedAt = &ms
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, message_type, status, is_self_sender,
			expire_after_ms, self_deletion_started_at, asset_path, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
	`, m.ConversationID, m.MessageID, m.Type, m.Status, m.IsSelfSender,
		m.ExpireAfter.Milliseconds(), startedAt, m.AssetPath, m.Deleted)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage fetches one message, or ErrMessageNotFound.
func (s *MessageStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, message_id, message_type, status, is_self_sender,
			expire_after_ms, self_deletion_started_at, asset_path, deleted
		FROM messages WHERE conversation_id = ? AND message_id = ?
	`, conversationID, messageID)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// MarkSelfDeletionStarted records the deletion window start. A no-op if the
// window is already open, so retriggering never shortens a running window.
func (s *MessageStore) MarkSelfDeletionStarted(ctx context.Context, conversationID, messageID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET self_deletion_started_at = ?
		WHERE conversation_id = ? AND message_id = ? AND self_deletion_started_at IS NULL
	`, startedAt.UnixMilli(), conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark self deletion started: %w", err)
	}
	return nil
}

// GetPendingSelfDeletions lists undeleted messages whose deletion window has
// opened. The remaining delay may already be zero or negative.
func (s *MessageStore) GetPendingSelfDeletions(ctx context.Context) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT conversation_id, message_id, message_type, status, is_self_sender,
			expire_after_ms, self_deletion_started_at, asset_path, deleted
		FROM messages
		WHERE deleted = 0 AND self_deletion_started_at IS NOT NULL AND expire_after_ms > 0
	`)
}

// GetAlreadyExpired lists undeleted messages whose deletion window fully
// elapsed at or before now.
func (s *MessageStore) GetAlreadyExpired(ctx context.Context, now time.Time) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT conversation_id, message_id, message_type, status, is_self_sender,
			expire_after_ms, self_deletion_started_at, asset_path, deleted
		FROM messages
		WHERE deleted = 0 AND self_deletion_started_at IS NOT NULL AND expire_after_ms > 0
			AND self_deletion_started_at + expire_after_ms <= ?
	`, now.UnixMilli())
}

// MarkDeleted tombstones the message without removing the row.
func (s *MessageStore) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted = 1 WHERE conversation_id = ? AND message_id = ?
	`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message deleted: %w", err)
	}
	return nil
}

// RemoveAssetPayload deletes the message's local asset file, if any, and
// clears the reference. A missing file is not an error.
func (s *MessageStore) RemoveAssetPayload(ctx context.Context, conversationID, messageID string) error {
	var assetPath sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT asset_path FROM messages WHERE conversation_id = ? AND message_id = ?
	`, conversationID, messageID).Scan(&assetPath)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up asset path: %w", err)
	}
	if assetPath.Valid && assetPath.String != "" {
		if err := os.Remove(assetPath.String); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove asset payload: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE messages SET asset_path = NULL WHERE conversation_id = ? AND message_id = ?
	`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to clear asset path: %w", err)
	}
	return nil
}

// DeleteMessage removes the row outright.
func (s *MessageStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id = ? AND message_id = ?
	`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (s *MessageStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var expireMs int64
	var startedAt sql.NullInt64
	var assetPath sql.NullString
	err := row.Scan(&m.ConversationID, &m.MessageID, &m.Type, &m.Status, &m.IsSelfSender,
		&expireMs, &startedAt, &assetPath, &m.Deleted)
	if err != nil {
		return nil, err
	}
	m.ExpireAfter = time.Duration(expireMs) * time.Millisecond
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		m.SelfDeletionStartedAt = &t
	}
	m.AssetPath = assetPath.String
	return &m, nil
}
