// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	authctx "github.com/wireapp/kalium-sub012/internal/auth"
)

func staticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

func TestUploadOutboxBatchSendsBearerAndDecodesResponse(t *testing.T) {
	var gotAuth string
	var gotReq OutboxUploadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/backup/outbox", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(OutboxUploadResponse{
			AcceptedIDs: []string{"op-1"},
			Rejected:    []RejectedOperation{{ID: "op-2", Reason: "malformed row"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("tok-123"), nil, nil)
	resp, err := c.UploadOutboxBatch(context.Background(), &OutboxUploadRequest{
		BatchID:  "user-1-1700000000000",
		ClientID: "client-a",
		Operations: []OutboxOperation{
			{ID: "op-1", Table: "conversations", Op: "UPSERT", RowKey: "c1", RowData: json.RawMessage(`{"name":"x"}`)},
			{ID: "op-2", Table: "conversations", Op: "DELETE", RowKey: "c2"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, "client-a", gotReq.ClientID)
	require.Equal(t, []string{"op-1"}, resp.AcceptedIDs)
	require.Equal(t, "malformed row", resp.Rejected[0].Reason)
}

func TestFetchMessagesBuildsQueryAndOmitsEmptyFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "user-1", q.Get("user"))
		require.Equal(t, "1500", q.Get("since"))
		require.False(t, q.Has("conversation"))
		require.False(t, q.Has("pagination_token"))
		require.Equal(t, "50", q.Get("size"))
		json.NewEncoder(w).Encode(MessageFetchResponse{
			HasMore: true,
			Conversations: map[string]ConversationMessages{
				"conv-1": {Messages: []MessageRecord{{Timestamp: 1, MessageID: "m1", Payload: "{}"}}},
			},
			PaginationToken: "next",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("t"), nil, nil)
	since := int64(1500)
	resp, err := c.FetchMessages(context.Background(), "user-1", &since, "", "", 50)
	require.NoError(t, err)
	require.True(t, resp.HasMore)
	require.Equal(t, "next", resp.PaginationToken)
	require.Len(t, resp.Conversations["conv-1"].Messages, 1)
}

func TestFetchMessagesNotFoundSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no backup", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("t"), nil, nil)
	_, err := c.FetchMessages(context.Background(), "user-1", nil, "", "", 0)
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestDeleteMessagesOmitsAllFiltersWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Empty(t, r.URL.RawQuery)
		json.NewEncoder(w).Encode(DeleteMessagesResponse{DeletedCount: 7})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("t"), nil, nil)
	resp, err := c.DeleteMessages(context.Background(), "", "", nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), resp.DeletedCount)
}

func TestUploadStateBackupStreamsBody(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/backup/state/user-1", r.URL.Path)
		var err error
		got, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("t"), nil, nil)
	payload := []byte("snapshot-bytes")
	err := c.UploadStateBackup(context.Background(), "user-1", func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDownloadStateBackupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "never backed up", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("t"), nil, nil)
	var sink bytes.Buffer
	err := c.DownloadStateBackup(context.Background(), "user-1", &sink)
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestDownloadStateBackupCopiesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-data"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticToken("t"), nil, nil)
	var sink strings.Builder
	require.NoError(t, c.DownloadStateBackup(context.Background(), "user-1", &sink))
	require.Equal(t, "archive-data", sink.String())
}

func TestJWTAuthRoundTrip(t *testing.T) {
	auth := NewJWTAuth("secret")
	token, err := auth.GenerateToken("user-1", "client-a", time.Minute)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "client-a", claims.ClientID)

	_, err = NewJWTAuth("other-secret").ValidateToken(token)
	require.Error(t, err)
}

func TestTokenSourceCachesUntilExpiry(t *testing.T) {
	auth := NewJWTAuth("secret")
	var mints atomic.Int32
	src := NewTokenSource(func(context.Context) (string, error) {
		mints.Add(1)
		return auth.GenerateToken("user-1", "client-a", time.Hour)
	})

	first, err := src.Token(context.Background())
	require.NoError(t, err)
	second, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), mints.Load(), "unexpired token must be reused")
}

func TestMinterReadsIdentityFromContext(t *testing.T) {
	auth := NewJWTAuth("secret")
	mint := auth.Minter(time.Minute)

	ctx := authctx.WithClientID(authctx.WithUserID(context.Background(), "user-1"), "client-a")
	token, err := mint(ctx)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "client-a", claims.ClientID)

	_, err = mint(context.Background())
	require.Error(t, err, "minting without a user id in context must fail")
}
