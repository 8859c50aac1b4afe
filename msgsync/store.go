// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package msgsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wireapp/kalium-sub012/syncstate"
)

// Store persists the message-sync change log and the per-conversation
// pending last-read markers.
type Store struct {
	db           *sql.DB
	pendingCount *syncstate.State[int64]
}

// NewStore initializes the sync tables (idempotent) and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS _message_sync (
		conversation_id TEXT NOT NULL CHECK (conversation_id <> ''),
		message_nonce   TEXT NOT NULL CHECK (message_nonce <> ''),
		timestamp       INTEGER NOT NULL,
		op              TEXT NOT NULL CHECK (op IN ('UPSERT','DELETE')),
		payload         TEXT,
		PRIMARY KEY (conversation_id, message_nonce)
	);
	CREATE INDEX IF NOT EXISTS idx_message_sync_ts ON _message_sync(timestamp);

	CREATE TABLE IF NOT EXISTS _conversation_sync (
		conversation_id     TEXT PRIMARY KEY,
		last_read_to_upload INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize message sync tables: %w", err)
	}

	s := &Store{db: db, pendingCount: syncstate.NewState[int64](0)}
	if err := s.refreshPendingCount(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// UpsertMessageToSync records a message change. Re-logging the same
// (conversation, nonce) overwrites the previous record in place, so one
// row per key survives no matter how often a message is edited.
func (s *Store) UpsertMessageToSync(ctx context.Context, conversationID, messageNonce string, timestamp time.Time, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _message_sync (conversation_id, message_nonce, timestamp, op, payload)
		VALUES (?, ?, ?, 'UPSERT', ?)
		ON CONFLICT(conversation_id, message_nonce)
		DO UPDATE SET timestamp = excluded.timestamp, op = 'UPSERT', payload = excluded.payload
	`, conversationID, messageNonce, timestamp.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("failed to upsert message to sync: %w", err)
	}
	s.notifyPendingCount(ctx)
	return nil
}

// MarkMessageForDeletion records a message deletion, suppressing any
// pending upsert for the same key.
func (s *Store) MarkMessageForDeletion(ctx context.Context, conversationID, messageNonce string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _message_sync (conversation_id, message_nonce, timestamp, op, payload)
		VALUES (?, ?, ?, 'DELETE', NULL)
		ON CONFLICT(conversation_id, message_nonce)
		DO UPDATE SET timestamp = excluded.timestamp, op = 'DELETE', payload = NULL
	`, conversationID, messageNonce, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark message for deletion: %w", err)
	}
	s.notifyPendingCount(ctx)
	return nil
}

// GetMessagesToSync returns up to limit pending records in timestamp order.
func (s *Store) GetMessagesToSync(ctx context.Context, limit int) ([]MessageToSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, message_nonce, timestamp, op, payload
		FROM _message_sync
		ORDER BY timestamp, conversation_id, message_nonce
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages to sync: %w", err)
	}
	defer rows.Close()

	var result []MessageToSync
	for rows.Next() {
		var m MessageToSync
		var ts int64
		var payload sql.NullString
		if err := rows.Scan(&m.ConversationID, &m.MessageNonce, &ts, &m.Operation, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan message to sync: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Payload = payload.String
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages to sync: %w", err)
	}
	return result, nil
}

// DeleteSyncedMessages removes records that round-tripped successfully.
func (s *Store) DeleteSyncedMessages(ctx context.Context, synced map[string][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for conversationID, nonces := range synced {
		for _, nonce := range nonces {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM _message_sync WHERE conversation_id = ? AND message_nonce = ?
			`, conversationID, nonce); err != nil {
				return fmt.Errorf("failed to delete synced message: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit synced message deletion: %w", err)
	}
	s.notifyPendingCount(ctx)
	return nil
}

// ObservePendingMessagesCount exposes the change-log size as an observable.
func (s *Store) ObservePendingMessagesCount() *syncstate.State[int64] {
	return s.pendingCount
}

// UpsertConversationSync records that a conversation's last-read marker
// advanced and awaits upload. At most one row per conversation.
func (s *Store) UpsertConversationSync(ctx context.Context, conversationID string, lastReadMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _conversation_sync (conversation_id, last_read_to_upload)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET last_read_to_upload = excluded.last_read_to_upload
	`, conversationID, lastReadMillis)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation sync: %w", err)
	}
	return nil
}

// GetConversationsWithPendingSync lists conversations with an un-uploaded
// last-read marker.
func (s *Store) GetConversationsWithPendingSync(ctx context.Context) ([]ConversationPendingSync, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, last_read_to_upload FROM _conversation_sync
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations with pending sync: %w", err)
	}
	defer rows.Close()

	var result []ConversationPendingSync
	for rows.Next() {
		var c ConversationPendingSync
		if err := rows.Scan(&c.ConversationID, &c.LastReadToUpload); err != nil {
			return nil, fmt.Errorf("failed to scan conversation sync: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation sync: %w", err)
	}
	return result, nil
}

// MarkConversationLastReadAsUploaded clears the pending marker once its
// upload was acknowledged.
func (s *Store) MarkConversationLastReadAsUploaded(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM _conversation_sync WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark conversation last read as uploaded: %w", err)
	}
	return nil
}

func (s *Store) refreshPendingCount(ctx context.Context) error {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _message_sync`).Scan(&n); err != nil {
		return fmt.Errorf("failed to count pending messages: %w", err)
	}
	s.pendingCount.Set(n)
	return nil
}

func (s *Store) notifyPendingCount(ctx context.Context) {
	_ = s.refreshPendingCount(ctx)
}
