// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wireapp/kalium-sub012/httpapi"
	"github.com/wireapp/kalium-sub012/syncstate"
)

// MaxAttempts is the retry threshold: FAILED operations at or above it are
// never reset to PENDING automatically.
const MaxAttempts = 3

// UnknownClientID is uploaded when no device is registered. Queued
// mutations are never dropped for lack of a device id.
const UnknownClientID = "unknown"

// unknownErrorReason stands in for a server rejection carrying no reason.
const unknownErrorReason = "Unknown error"

// Uploader replicates one batch to the server.
type Uploader interface {
	UploadOutboxBatch(ctx context.Context, req *httpapi.OutboxUploadRequest) (*httpapi.OutboxUploadResponse, error)
}

// ClientIDProvider reports the registered device id, if any.
type ClientIDProvider func(ctx context.Context) (string, bool)

// Replicator drains the outbox in bounded, acknowledged batches.
//
// Concurrent ProcessBatch calls are the caller's responsibility to avoid:
// the replicator serializes work within one call only.
type Replicator struct {
	userID   string
	store    *Store
	uploader Uploader
	clientID ClientIDProvider
	logger   *slog.Logger
	now      func() time.Time
}

// NewReplicator wires the replicator. A nil logger falls back to
// slog.Default().
func NewReplicator(userID string, store *Store, uploader Uploader, clientID ClientIDProvider, logger *slog.Logger) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicator{
		userID:   userID,
		store:    store,
		uploader: uploader,
		clientID: clientID,
		logger:   logger,
		now:      time.Now,
	}
}

// IsEnabled reports the persisted replication switch.
func (r *Replicator) IsEnabled(ctx context.Context) (bool, error) {
	return r.store.IsEnabled(ctx)
}

// SetEnabled flips the persisted replication switch.
func (r *Replicator) SetEnabled(ctx context.Context, enabled bool) error {
	return r.store.SetEnabled(ctx, enabled)
}

// PendingCount reports how many operations await upload.
func (r *Replicator) PendingCount(ctx context.Context) (int, error) {
	return r.store.PendingCount(ctx)
}

// ObserveStats exposes queue composition for diagnostics.
func (r *Replicator) ObserveStats() *syncstate.State[Stats] {
	return r.store.ObserveStats()
}

// ProcessBatch uploads one batch of pending operations and applies the
// server's per-operation accept/reject results. When replication is
// disabled or the queue is empty it returns a zero result without touching
// the network. HasMorePending reflects the post-upload pending count so
// callers can loop until the outbox drains.
func (r *Replicator) ProcessBatch(ctx context.Context) (BatchResult, error) {
	enabled, err := r.store.IsEnabled(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if !enabled {
		return BatchResult{}, nil
	}

	limit, err := r.store.BatchSize(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	batch, err := r.store.SelectBatch(ctx, limit)
	if err != nil {
		return BatchResult{}, err
	}
	if len(batch) == 0 {
		return BatchResult{}, nil
	}

	clientID, ok := r.clientID(ctx)
	if !ok {
		// Upload proceeds anyway; see UnknownClientID.
		clientID = UnknownClientID
	}

	req := &httpapi.OutboxUploadRequest{
		BatchID:    fmt.Sprintf("%s-%d", r.userID, r.now().UnixMilli()),
		ClientID:   clientID,
		Operations: make([]httpapi.OutboxOperation, len(batch)),
	}
	for i, o := range batch {
		req.Operations[i] = httpapi.OutboxOperation{
			ID:        o.ID,
			Table:     o.Table,
			Op:        o.Op,
			RowKey:    o.RowKey,
			RowData:   o.RowData,
			CreatedAt: o.CreatedAt.UnixMilli(),
		}
	}

	resp, err := r.uploader.UploadOutboxBatch(ctx, req)
	if err != nil {
		// Transport failure: the whole batch counts as a failed attempt and
		// becomes eligible for RetryFailed.
		for _, o := range batch {
			if markErr := r.store.MarkFailed(ctx, o.ID, err.Error()); markErr != nil {
				r.logger.Error("failed to record upload failure", "id", o.ID, "error", markErr)
			}
		}
		return BatchResult{}, fmt.Errorf("failed to upload outbox batch: %w", err)
	}

	accepted := make(map[string]bool, len(resp.AcceptedIDs))
	for _, id := range resp.AcceptedIDs {
		accepted[id] = true
	}
	rejectedReason := make(map[string]string, len(resp.Rejected))
	for _, rej := range resp.Rejected {
		reason := rej.Reason
		if reason == "" {
			reason = unknownErrorReason
		}
		rejectedReason[rej.ID] = reason
	}

	var result BatchResult
	var sentIDs []string
	for _, o := range batch {
		switch {
		case accepted[o.ID]:
			sentIDs = append(sentIDs, o.ID)
			result.Accepted++
		default:
			reason, listed := rejectedReason[o.ID]
			if !listed {
				reason = unknownErrorReason
			}
			if err := r.store.MarkFailed(ctx, o.ID, reason); err != nil {
				return result, err
			}
			r.logger.Warn("outbox operation rejected",
				"id", o.ID, "table", o.Table, "reason", reason)
			result.Failed++
		}
	}
	if err := r.store.MarkSent(ctx, sentIDs); err != nil {
		return result, err
	}

	pending, err := r.store.PendingCount(ctx)
	if err != nil {
		return result, err
	}
	result.HasMorePending = pending > 0

	r.logger.Debug("outbox batch processed",
		"batch_id", req.BatchID, "accepted", result.Accepted,
		"failed", result.Failed, "pending", pending)
	return result, nil
}

// RetryFailedOperations resets FAILED operations below the attempt
// threshold back to PENDING and reports how many were reset.
func (r *Replicator) RetryFailedOperations(ctx context.Context) (int, error) {
	return r.store.ResetFailed(ctx, MaxAttempts)
}
