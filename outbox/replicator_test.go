// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/wireapp/kalium-sub012/httpapi"
)

type fakeUploader struct {
	calls     int
	lastReq   *httpapi.OutboxUploadRequest
	response  *httpapi.OutboxUploadResponse
	acceptAll bool
	err       error
}

func (f *fakeUploader) UploadOutboxBatch(_ context.Context, req *httpapi.OutboxUploadRequest) (*httpapi.OutboxUploadResponse, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.acceptAll {
		resp := &httpapi.OutboxUploadResponse{}
		for _, op := range req.Operations {
			resp.AcceptedIDs = append(resp.AcceptedIDs, op.ID)
		}
		return resp, nil
	}
	return f.response, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func withClientID(id string) ClientIDProvider {
	return func(context.Context) (string, bool) { return id, true }
}

func noClientID(context.Context) (string, bool) { return "", false }

func TestProcessBatchEmptyOutboxNoNetworkCall(t *testing.T) {
	store := newTestStore(t)
	up := &fakeUploader{}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)

	result, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, BatchResult{}, result)
	require.Zero(t, up.calls, "empty outbox must not hit the network")
}

func TestProcessBatchDisabledIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.Enqueue(ctx, "conversations", OpUpsert, "c1", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	up := &fakeUploader{}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)
	require.NoError(t, r.SetEnabled(ctx, false))

	result, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, BatchResult{}, result)
	require.Zero(t, up.calls)
}

func TestProcessBatchPartialAcceptance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	op1, err := store.Enqueue(ctx, "conversations", OpUpsert, "c1", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	op2, err := store.Enqueue(ctx, "conversations", OpUpsert, "c2", json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	op3, err := store.Enqueue(ctx, "members", OpDelete, "m1", nil)
	require.NoError(t, err)

	up := &fakeUploader{response: &httpapi.OutboxUploadResponse{
		AcceptedIDs: []string{op1.ID, op3.ID},
		Rejected:    []httpapi.RejectedOperation{{ID: op2.ID, Reason: "row too large"}},
	}}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)

	result, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Accepted)
	require.Equal(t, 1, result.Failed)
	require.False(t, result.HasMorePending)

	got1, err := store.Get(ctx, op1.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, got1.Status)

	got2, err := store.Get(ctx, op2.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got2.Status)
	require.Equal(t, "row too large", got2.LastError)
	require.Equal(t, 1, got2.AttemptCount)

	got3, err := store.Get(ctx, op3.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSent, got3.Status)

	// The rejected row is below the attempt threshold, so retry resets it.
	reset, err := r.RetryFailedOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reset)
	got2, err = store.Get(ctx, op2.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got2.Status)
}

func TestProcessBatchRejectionWithoutReason(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	op, err := store.Enqueue(ctx, "conversations", OpUpsert, "c1", json.RawMessage(`{}`))
	require.NoError(t, err)

	up := &fakeUploader{response: &httpapi.OutboxUploadResponse{
		Rejected: []httpapi.RejectedOperation{{ID: op.ID}},
	}}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)

	_, err = r.ProcessBatch(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, "Unknown error", got.LastError)
}

func TestProcessBatchUnknownClientIDFallback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	op, err := store.Enqueue(ctx, "conversations", OpUpsert, "c1", json.RawMessage(`{}`))
	require.NoError(t, err)

	up := &fakeUploader{response: &httpapi.OutboxUploadResponse{AcceptedIDs: []string{op.ID}}}
	r := NewReplicator("user-1", store, up, noClientID, nil)

	_, err = r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, "unknown", up.lastReq.ClientID, "missing device id must not block upload")
	require.Contains(t, up.lastReq.BatchID, "user-1-")
}

func TestProcessBatchTransportFailureMarksBatchFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	op, err := store.Enqueue(ctx, "conversations", OpUpsert, "c1", json.RawMessage(`{}`))
	require.NoError(t, err)

	up := &fakeUploader{err: errors.New("connection refused")}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)

	_, err = r.ProcessBatch(ctx)
	require.Error(t, err)

	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestRetryFailedRespectsAttemptThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	op, err := store.Enqueue(ctx, "conversations", OpUpsert, "c1", json.RawMessage(`{}`))
	require.NoError(t, err)

	// Drive the operation to the attempt threshold.
	up := &fakeUploader{err: errors.New("boom")}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)
	for i := 0; i < MaxAttempts; i++ {
		_, err = r.ProcessBatch(ctx)
		require.Error(t, err)
		if i < MaxAttempts-1 {
			reset, err := r.RetryFailedOperations(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, reset)
		}
	}

	got, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, MaxAttempts, got.AttemptCount)

	reset, err := r.RetryFailedOperations(ctx)
	require.NoError(t, err)
	require.Zero(t, reset, "operations at the threshold stay FAILED")
}

func TestProcessBatchHasMorePendingReflectsPostUploadCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.SetBatchSize(ctx, 1))

	_, err := store.Enqueue(ctx, "t", OpUpsert, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "t", OpUpsert, "b", json.RawMessage(`{}`))
	require.NoError(t, err)

	up := &fakeUploader{acceptAll: true}
	r := NewReplicator("user-1", store, up, withClientID("client-a"), nil)

	result, err := r.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Accepted)
	require.True(t, result.HasMorePending)
	require.Len(t, up.lastReq.Operations, 1)
}

func TestObserveStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Enqueue(ctx, "t", OpUpsert, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "t", OpUpsert, "b", json.RawMessage(`{}`))
	require.NoError(t, err)

	stats := store.ObserveStats().Get()
	require.Equal(t, int64(2), stats.Pending)
	require.Zero(t, stats.InProgress)
	require.Zero(t, stats.Failed)
}
