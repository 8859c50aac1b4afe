// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package outbox

import (
	"encoding/json"
	"time"
)

// Operation type constants.
const (
	OpUpsert = "UPSERT"
	OpDelete = "DELETE"
)

// Operation status constants.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusSent       = "SENT"
	StatusFailed     = "FAILED"
)

// Operation is one queued local mutation awaiting replication.
type Operation struct {
	ID           string
	Table        string
	Op           string // UPSERT, DELETE
	RowKey       string
	RowData      json.RawMessage // nil for DELETE
	CreatedAt    time.Time
	Status       string
	AttemptCount int
	LastError    string
}

// Stats is a snapshot of queue composition, exposed as an observable.
type Stats struct {
	Pending    int64
	InProgress int64
	Failed     int64
}

// BatchResult reports the outcome of one ProcessBatch call.
type BatchResult struct {
	Accepted       int
	Failed         int
	HasMorePending bool // pending count after the upload, for drain loops
}
