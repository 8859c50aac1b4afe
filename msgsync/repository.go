// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package msgsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/wireapp/kalium-sub012/httpapi"
)

// API is the slice of the remote backup service this repository consumes.
// *httpapi.Client implements it.
type API interface {
	SyncMessages(ctx context.Context, req *httpapi.MessageSyncRequest) error
	FetchMessages(ctx context.Context, user string, since *int64, conversation, paginationToken string, size int) (*httpapi.MessageFetchResponse, error)
	DeleteMessages(ctx context.Context, userID, conversationID string, before *int64) (*httpapi.DeleteMessagesResponse, error)
	UploadStateBackup(ctx context.Context, userID string, source func() (io.ReadCloser, error), size int64) error
	DownloadStateBackup(ctx context.Context, userID string, sink io.Writer) error
}

// Repository mediates between the remote backup API and the local sync
// stores, normalizing the API's expected-404 conditions.
type Repository struct {
	api    API
	store  *Store
	logger *slog.Logger
}

// NewRepository wires the repository. A nil logger falls back to
// slog.Default().
func NewRepository(api API, store *Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{api: api, store: store, logger: logger}
}

// SyncMessages pushes upserts, deletions, and last-read markers in one
// request. Success clears nothing locally; the caller removes records once
// it has confirmed delivery.
func (r *Repository) SyncMessages(ctx context.Context, req SyncRequest) error {
	dto := &httpapi.MessageSyncRequest{
		UserID:                req.UserID,
		Upserts:               make(map[string][]httpapi.MessageUpsert, len(req.Upserts)),
		Deletions:             req.Deletions,
		ConversationsLastRead: req.ConversationsLastRead,
	}
	for conversationID, upserts := range req.Upserts {
		out := make([]httpapi.MessageUpsert, len(upserts))
		for i, u := range upserts {
			out[i] = httpapi.MessageUpsert{MessageID: u.MessageID, Timestamp: u.Timestamp, Payload: u.Payload}
		}
		dto.Upserts[conversationID] = out
	}
	if err := r.api.SyncMessages(ctx, dto); err != nil {
		return fmt.Errorf("failed to sync messages: %w", err)
	}
	return nil
}

// FetchMessages pulls one page of backed-up history. A 404 from the server
// means "no backup yet", a permanent and expected condition, and is
// translated into a successful empty page rather than an error, so callers
// do not retry or back off on it.
func (r *Repository) FetchMessages(ctx context.Context, user string, since *int64, conversation, paginationToken string, size int) (*FetchResult, error) {
	resp, err := r.api.FetchMessages(ctx, user, since, conversation, paginationToken, size)
	if err != nil {
		if httpapi.IsNotFound(err) {
			return &FetchResult{Conversations: map[string]ConversationHistory{}}, nil
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	result := &FetchResult{
		HasMore:         resp.HasMore,
		Conversations:   make(map[string]ConversationHistory, len(resp.Conversations)),
		PaginationToken: resp.PaginationToken,
	}
	for conversationID, conv := range resp.Conversations {
		messages := make([]FetchedMessage, len(conv.Messages))
		for i, m := range conv.Messages {
			messages[i] = FetchedMessage{Timestamp: m.Timestamp, MessageID: m.MessageID, Payload: m.Payload}
		}
		result.Conversations[conversationID] = ConversationHistory{LastRead: conv.LastRead, Messages: messages}
	}
	return result, nil
}

// DeleteMessages removes backed-up messages. Empty/nil filters mean "no
// filter on that dimension".
func (r *Repository) DeleteMessages(ctx context.Context, userID, conversationID string, before *int64) (int64, error) {
	resp, err := r.api.DeleteMessages(ctx, userID, conversationID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return resp.DeletedCount, nil
}

// UploadStateBackup streams an encrypted crypto-state snapshot to the
// server.
func (r *Repository) UploadStateBackup(ctx context.Context, userID string, source func() (io.ReadCloser, error), size int64) error {
	if err := r.api.UploadStateBackup(ctx, userID, source, size); err != nil {
		return fmt.Errorf("failed to upload state backup: %w", err)
	}
	return nil
}

// DownloadStateBackup streams the stored snapshot into sink. A 404 maps to
// ErrBackupNotFound so "never backed up" is distinguishable from transport
// failures.
func (r *Repository) DownloadStateBackup(ctx context.Context, userID string, sink io.Writer) error {
	if err := r.api.DownloadStateBackup(ctx, userID, sink); err != nil {
		if httpapi.IsNotFound(err) {
			return ErrBackupNotFound
		}
		return fmt.Errorf("failed to download state backup: %w", err)
	}
	return nil
}

// Store exposes the local sync store, so callers that already hold the
// repository do not need a second collaborator for the DAO side of the
// contract.
func (r *Repository) Store() *Store {
	return r.store
}
