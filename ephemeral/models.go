// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ephemeral schedules delayed deletion of self-destructing messages.
// Scheduling survives process restarts: the deletion start timestamp is
// persisted, so the remaining delay can always be recomputed from
// start + expireAfter rather than from a durable timer.
package ephemeral

import (
	"errors"
	"time"
)

// ErrMessageNotFound is returned when a (conversation, message) pair has no
// persisted row.
var ErrMessageNotFound = errors.New("message not found")

// Message content types.
const (
	TypeRegular   = "REGULAR"
	TypeSignaling = "SIGNALING"
	TypeSystem    = "SYSTEM"
)

// Delivery status of a message.
const (
	StatusPending   = "PENDING"
	StatusSent      = "SENT"
	StatusDelivered = "DELIVERED"
	StatusRead      = "READ"
)

// Message is the slice of a persisted message the scheduler needs.
type Message struct {
	ConversationID string
	MessageID      string
	Type           string // REGULAR, SIGNALING, SYSTEM
	Status         string
	IsSelfSender   bool
	ExpireAfter    time.Duration // zero for non-ephemeral messages
	// SelfDeletionStartedAt is nil until the deletion window opens.
	SelfDeletionStartedAt *time.Time
	AssetPath             string
	Deleted               bool
}

// SelfDeletionDue reports whether the message's deletion window has fully
// elapsed at the given instant.
func (m *Message) SelfDeletionDue(now time.Time) bool {
	if m.SelfDeletionStartedAt == nil || m.ExpireAfter <= 0 {
		return false
	}
	return !now.Before(m.SelfDeletionStartedAt.Add(m.ExpireAfter))
}
