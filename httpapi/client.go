// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package httpapi implements the HTTP/JSON client for the remote backup
// service: outbox batch replication, message sync/fetch/delete, and raw
// crypto-state backup transfer.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// StatusError reports a non-2xx server response. Callers distinguish
// expected conditions (404 on fetch/download) from genuine failures by
// inspecting Code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 server response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the remote backup service.
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer token
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewClient returns a client for the service at baseURL. A nil httpClient
// falls back to http.DefaultClient, a nil logger to slog.Default().
func NewClient(baseURL string, token func(context.Context) (string, error), httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{BaseURL: baseURL, Token: token, HTTP: httpClient, logger: logger}
}

// UploadOutboxBatch replicates one batch of outbox operations.
func (c *Client) UploadOutboxBatch(ctx context.Context, req *OutboxUploadRequest) (*OutboxUploadResponse, error) {
	var resp OutboxUploadResponse
	if err := c.postJSON(ctx, "/backup/outbox", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncMessages pushes message upserts/deletions and last-read markers.
func (c *Client) SyncMessages(ctx context.Context, req *MessageSyncRequest) error {
	return c.postJSON(ctx, "/backup/messages", req, nil)
}

// FetchMessages pulls a page of backed-up messages. All filters are
// optional: since and conversation narrow the result, paginationToken
// resumes a previous page, size <= 0 leaves the page size to the server.
// A 404 is returned as a *StatusError; the repository layer above decides
// how to normalize it.
func (c *Client) FetchMessages(ctx context.Context, user string, since *int64, conversation, paginationToken string, size int) (*MessageFetchResponse, error) {
	q := url.Values{}
	q.Set("user", user)
	if since != nil {
		q.Set("since", strconv.FormatInt(*since, 10))
	}
	if conversation != "" {
		q.Set("conversation", conversation)
	}
	if paginationToken != "" {
		q.Set("pagination_token", paginationToken)
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, "/backup/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp MessageFetchResponse
	if err := c.doJSON(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteMessages removes backed-up messages. Empty userID/conversationID and
// nil before mean "no filter on that dimension".
func (c *Client) DeleteMessages(ctx context.Context, userID, conversationID string, before *int64) (*DeleteMessagesResponse, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user", userID)
	}
	if conversationID != "" {
		q.Set("conversation", conversationID)
	}
	if before != nil {
		q.Set("before", strconv.FormatInt(*before, 10))
	}
	path := "/backup/messages"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	httpReq, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}

	var resp DeleteMessagesResponse
	if err := c.doJSON(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadStateBackup streams an encrypted crypto-state snapshot to the
// server. The source factory is invoked once per attempt so retries get a
// fresh reader.
func (c *Client) UploadStateBackup(ctx context.Context, userID string, source func() (io.ReadCloser, error), size int64) error {
	body, err := source()
	if err != nil {
		return fmt.Errorf("failed to open backup source: %w", err)
	}
	defer body.Close()

	httpReq, err := c.newRequest(ctx, http.MethodPut, "/backup/state/"+url.PathEscape(userID), body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.ContentLength = size

	return c.doJSON(httpReq, nil)
}

// DownloadStateBackup streams the stored crypto-state snapshot into sink.
// A 404 is returned as a *StatusError.
func (c *Client) DownloadStateBackup(ctx context.Context, userID string, sink io.Writer) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/backup/state/"+url.PathEscape(userID), nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		return fmt.Errorf("failed to stream state backup: %w", err)
	}
	return nil
}

const maxErrorBody = 4 << 10

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bearer token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}

func (c *Client) postJSON(ctx context.Context, path string, req, resp any) error {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.doJSON(httpReq, resp)
}

func (c *Client) doJSON(httpReq *http.Request, out any) error {
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
