// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package ephemeral

import (
	"context"
	"fmt"
	"log/slog"
)

// SignalSender delivers targeted deletion signals over the messaging
// transport. Implemented by the surrounding application.
type SignalSender interface {
	// SignalDeletionToOwnDevices tells the self user's other devices to
	// delete the message.
	SignalDeletionToOwnDevices(ctx context.Context, conversationID, messageID string) error
	// SignalDeletionToSender tells the original sender the receiver-side
	// copy is gone, so the sender can hard-delete its own copy.
	SignalDeletionToSender(ctx context.Context, conversationID, messageID string) error
}

// Deleter executes the role-specific deletion paths once a self-deletion
// timer fires.
type Deleter struct {
	store   *MessageStore
	signals SignalSender
	logger  *slog.Logger
}

// NewDeleter wires the deleter. A nil logger falls back to slog.Default().
func NewDeleter(store *MessageStore, signals SignalSender, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{store: store, signals: signals, logger: logger}
}

// DeleteAsReceiver runs the receiver path: tombstone, signal the self
// user's other devices and the original sender, drop any local asset
// payload, then hard-delete the row.
func (d *Deleter) DeleteAsReceiver(ctx context.Context, conversationID, messageID string) error {
	if err := d.store.MarkDeleted(ctx, conversationID, messageID); err != nil {
		return err
	}
	if err := d.signals.SignalDeletionToOwnDevices(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("failed to signal own devices: %w", err)
	}
	if err := d.signals.SignalDeletionToSender(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("failed to signal sender: %w", err)
	}
	if err := d.store.RemoveAssetPayload(ctx, conversationID, messageID); err != nil {
		return err
	}
	return d.store.DeleteMessage(ctx, conversationID, messageID)
}

// DeleteAsSender runs the sender path: tombstone locally only. Receivers
// drive the final hard-delete through their own signaling.
func (d *Deleter) DeleteAsSender(ctx context.Context, conversationID, messageID string) error {
	return d.store.MarkDeleted(ctx, conversationID, messageID)
}
