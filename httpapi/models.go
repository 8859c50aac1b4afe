// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package httpapi

import "encoding/json"

// REST/JSON models for the remote backup service API.

// OutboxUploadRequest is a batch of local mutations to replicate.
type OutboxUploadRequest struct {
	BatchID    string            `json:"batch_id"`   // "{userId}-{uploadTimestampMillis}"
	ClientID   string            `json:"client_id"`  // registered device id, or "unknown"
	Operations []OutboxOperation `json:"operations"` // batch of operations to apply
}

// OutboxOperation is a single replicated mutation.
type OutboxOperation struct {
	ID        string          `json:"id"`
	Table     string          `json:"table"`
	Op        string          `json:"op"` // UPSERT, DELETE
	RowKey    string          `json:"row_key"`
	RowData   json.RawMessage `json:"row_data,omitempty"` // null for DELETE
	CreatedAt int64           `json:"created_at"`         // epoch millis
}

// OutboxUploadResponse carries per-operation accept/reject results.
type OutboxUploadResponse struct {
	AcceptedIDs []string            `json:"accepted_ids"`
	Rejected    []RejectedOperation `json:"rejected,omitempty"`
}

// RejectedOperation names a permanently rejected operation and the server's
// reason, which may be empty.
type RejectedOperation struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// MessageSyncRequest pushes per-conversation message upserts and deletions
// plus per-conversation last-read markers in one request.
type MessageSyncRequest struct {
	UserID                string                     `json:"user_id"`
	Upserts               map[string][]MessageUpsert `json:"upserts,omitempty"`       // conversation id -> upserts
	Deletions             map[string][]string        `json:"deletions,omitempty"`     // conversation id -> message nonces
	ConversationsLastRead map[string]int64           `json:"conversations_last_read"` // conversation id -> epoch millis
}

// MessageUpsert is one message payload to store remotely.
type MessageUpsert struct {
	MessageID string `json:"message_id"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	Payload   string `json:"payload"`   // JSON-encoded backup message
}

// MessageFetchResponse is a page of backed-up messages.
type MessageFetchResponse struct {
	HasMore         bool                            `json:"has_more"`
	Conversations   map[string]ConversationMessages `json:"conversations"`
	PaginationToken string                          `json:"pagination_token,omitempty"`
}

// ConversationMessages groups the fetched messages of one conversation with
// its last-read marker, when known.
type ConversationMessages struct {
	LastRead *int64           `json:"last_read,omitempty"` // epoch millis
	Messages []MessageRecord  `json:"messages"`
}

// MessageRecord is one fetched message.
type MessageRecord struct {
	Timestamp int64  `json:"timestamp"` // epoch millis
	MessageID string `json:"message_id"`
	Payload   string `json:"payload"`
}

// DeleteMessagesResponse reports how many remote messages a delete removed.
type DeleteMessagesResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

// ErrorResponse is the service's error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
