// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package msgsync replicates message history and encrypted cryptographic
// state to the remote backup service: pushing local message changes and
// last-read markers, pulling backed-up history with resumable pagination,
// and producing hash-gated crypto state snapshots.
package msgsync

import (
	"errors"
	"time"
)

// ErrBackupNotFound distinguishes "never backed up" (a 404 on state
// download) from genuine network failures, so callers can treat it as a
// normal, expected state.
var ErrBackupNotFound = errors.New("state backup not found")

// ErrBackupSkipped marks a backup attempt short-circuited by an unmet
// precondition (feature disabled, no registered device, no crypto store).
// It is an expected outcome, not retried as an error.
var ErrBackupSkipped = errors.New("state backup skipped")

// Sync operation types for message records.
const (
	SyncUpsert = "UPSERT"
	SyncDelete = "DELETE"
)

// MessageToSync is one pending message change. At most one record exists
// per (conversation, nonce): a later upsert overwrites an earlier one, and
// a delete suppresses any pending upsert.
type MessageToSync struct {
	ConversationID string
	MessageNonce   string
	Timestamp      time.Time
	Operation      string // UPSERT, DELETE
	Payload        string // empty for DELETE
}

// ConversationPendingSync is a conversation whose advanced last-read marker
// has not been uploaded yet. At most one row per conversation.
type ConversationPendingSync struct {
	ConversationID   string
	LastReadToUpload int64 // epoch millis
}

// FetchedMessage is one message pulled from the remote backup.
type FetchedMessage struct {
	Timestamp int64 // epoch millis
	MessageID string
	Payload   string
}

// ConversationHistory groups fetched messages with the conversation's
// last-read marker, when the server knows one.
type ConversationHistory struct {
	LastRead *int64
	Messages []FetchedMessage
}

// FetchResult is one page of backed-up history. An empty result with
// HasMore=false and no token is also what a 404 normalizes to.
type FetchResult struct {
	HasMore         bool
	Conversations   map[string]ConversationHistory
	PaginationToken string
}

// SyncRequest pushes message changes and last-read markers in one request.
type SyncRequest struct {
	UserID                string
	Upserts               map[string][]MessageUpsert
	Deletions             map[string][]string
	ConversationsLastRead map[string]int64
}

// MessageUpsert is one message payload in a SyncRequest.
type MessageUpsert struct {
	MessageID string
	Timestamp int64
	Payload   string
}
