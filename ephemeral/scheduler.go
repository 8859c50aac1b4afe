// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wireapp/kalium-sub012/synckit"
)

// MessageSource is the persistence slice the scheduler consumes.
// *MessageStore implements it.
type MessageSource interface {
	GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error)
	MarkSelfDeletionStarted(ctx context.Context, conversationID, messageID string, startedAt time.Time) error
	GetPendingSelfDeletions(ctx context.Context) ([]Message, error)
	GetAlreadyExpired(ctx context.Context, now time.Time) ([]Message, error)
}

// DeletionHandler executes the role-specific deletion path. *Deleter
// implements it.
type DeletionHandler interface {
	DeleteAsReceiver(ctx context.Context, conversationID, messageID string) error
	DeleteAsSender(ctx context.Context, conversationID, messageID string) error
}

type messageKey struct {
	conversationID string
	messageID      string
}

// Scheduler runs at most one deletion timer per (conversation, message).
// Duplicate triggers, including redelivered events, are absorbed by the
// in-flight set; per-key serialization of the check-and-schedule section
// uses a reference-counted keyed mutex so concurrent triggers for the same
// key queue in FIFO order without a global lock around store I/O.
type Scheduler struct {
	store   MessageSource
	deleter DeletionHandler
	clock   synckit.Clock
	logger  *slog.Logger

	keys *synckit.KeyedMutex[messageKey]

	mu       sync.Mutex
	inFlight map[messageKey]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler wires the scheduler. A nil clock means the system clock; a
// nil logger falls back to slog.Default().
func NewScheduler(store MessageSource, deleter DeletionHandler, clock synckit.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = synckit.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		deleter:  deleter,
		clock:    clock,
		logger:   logger,
		keys:     synckit.NewKeyedMutex[messageKey](),
		inFlight: make(map[messageKey]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartSelfDeletion is the fire-and-forget trigger. Non-regular messages,
// unsent messages, and messages without expiration are ignored. A trigger
// for a message already waiting returns without rescheduling.
func (s *Scheduler) StartSelfDeletion(conversationID, messageID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.enqueue(conversationID, messageID)
	}()
}

// EnqueuePendingSelfDeletionMessages is the recovery sweep: every persisted
// message whose deletion window already opened is rescheduled. Overdue
// messages get a zero remaining delay and delete immediately.
func (s *Scheduler) EnqueuePendingSelfDeletionMessages(ctx context.Context) error {
	pending, err := s.store.GetPendingSelfDeletions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending self deletions: %w", err)
	}
	for _, m := range pending {
		s.StartSelfDeletion(m.ConversationID, m.MessageID)
	}
	return nil
}

// DeleteAlreadyExpired deletes, without waiting, every message whose
// deletion window has fully elapsed. Messages with a timer already running
// are left to that timer. Returns the number deleted.
func (s *Scheduler) DeleteAlreadyExpired(ctx context.Context) (int, error) {
	expired, err := s.store.GetAlreadyExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to load expired messages: %w", err)
	}

	deleted := 0
	for _, m := range expired {
		key := messageKey{m.ConversationID, m.MessageID}
		s.mu.Lock()
		_, busy := s.inFlight[key]
		if !busy {
			s.inFlight[key] = struct{}{}
		}
		s.mu.Unlock()
		if busy {
			continue
		}

		err := s.deleteByRole(ctx, &m)
		s.removeInFlight(key)
		if err != nil {
			s.logger.Warn("failed to delete expired message",
				"conversation_id", m.ConversationID, "message_id", m.MessageID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Stop cancels pending waits and blocks until all scheduled goroutines
// return. Interrupted waits do not delete; the recovery sweep picks them up
// on the next start.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) enqueue(conversationID, messageID string) {
	ctx := s.ctx

	msg, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		if !errors.Is(err, ErrMessageNotFound) {
			s.logger.Warn("failed to load message for self deletion",
				"conversation_id", conversationID, "message_id", messageID, "error", err)
		}
		return
	}
	if msg.Type != TypeRegular || msg.Status == StatusPending || msg.ExpireAfter <= 0 || msg.Deleted {
		return
	}

	key := messageKey{conversationID, messageID}
	var deadline time.Time
	scheduled := false
	s.keys.WithLock(key, func() {
		s.mu.Lock()
		if _, ok := s.inFlight[key]; ok {
			s.mu.Unlock()
			return
		}
		s.inFlight[key] = struct{}{}
		s.mu.Unlock()
		scheduled = true

		startedAt := msg.SelfDeletionStartedAt
		if startedAt == nil {
			now := s.clock.Now()
			if err := s.store.MarkSelfDeletionStarted(ctx, conversationID, messageID, now); err != nil {
				// Tracking failures never block the deletion itself.
				s.logger.Warn("failed to persist self deletion start",
					"conversation_id", conversationID, "message_id", messageID, "error", err)
			}
			startedAt = &now
		}
		deadline = startedAt.Add(msg.ExpireAfter)
	})
	if !scheduled {
		return
	}

	if remaining := deadline.Sub(s.clock.Now()); remaining > 0 {
		if err := s.clock.Sleep(ctx, remaining); err != nil {
			s.removeInFlight(key)
			return
		}
	}
	s.removeInFlight(key)

	if err := s.deleteByRole(ctx, msg); err != nil {
		s.logger.Warn("failed to delete expired message",
			"conversation_id", conversationID, "message_id", messageID, "error", err)
	}
}

func (s *Scheduler) deleteByRole(ctx context.Context, msg *Message) error {
	if msg.IsSelfSender {
		return s.deleter.DeleteAsSender(ctx, msg.ConversationID, msg.MessageID)
	}
	return s.deleter.DeleteAsReceiver(ctx, msg.ConversationID, msg.MessageID)
}

func (s *Scheduler) removeInFlight(key messageKey) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}
