// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package lifecycle reacts to coarse application-visibility signals,
// triggering sync and backup work on foreground/background transitions.
// Coordinators react to transitions only, never to the initial value.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wireapp/kalium-sub012/synckit"
	"github.com/wireapp/kalium-sub012/syncstate"
)

// DefaultSyncInterval is the periodic sync cadence while foregrounded.
const DefaultSyncInterval = 15 * time.Minute

// RetryScheduler hands a failed sync attempt to an external, per-user
// retry mechanism (a platform work scheduler in practice).
type RetryScheduler interface {
	ScheduleRetry(userID string)
}

// MessageSyncCoordinator triggers an immediate sync attempt on every
// visibility transition and keeps a periodic sync loop running while the
// app is foregrounded.
type MessageSyncCoordinator struct {
	visibility *syncstate.State[bool] // true while foregrounded
	syncNow    func(ctx context.Context) error
	retry      RetryScheduler
	userID     string
	clock      synckit.Clock
	interval   time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	periodicCancel context.CancelFunc
}

// NewMessageSyncCoordinator wires the coordinator. A zero interval means
// DefaultSyncInterval; a nil clock means the system clock.
func NewMessageSyncCoordinator(visibility *syncstate.State[bool], syncNow func(ctx context.Context) error, retry RetryScheduler, userID string, clock synckit.Clock, interval time.Duration, logger *slog.Logger) *MessageSyncCoordinator {
	if clock == nil {
		clock = synckit.SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageSyncCoordinator{
		visibility: visibility,
		syncNow:    syncNow,
		retry:      retry,
		userID:     userID,
		clock:      clock,
		interval:   interval,
		logger:     logger,
	}
}

// Start subscribes to the visibility signal.
func (c *MessageSyncCoordinator) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch()
	}()
}

// Stop unsubscribes and halts the periodic loop.
func (c *MessageSyncCoordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.stopPeriodic()
	c.wg.Wait()
}

func (c *MessageSyncCoordinator) watch() {
	ch := c.visibility.Subscribe(c.ctx)

	// The first delivery is the current value, not a transition.
	last, ok := <-ch
	if !ok {
		return
	}

	for v := range ch {
		if v == last {
			continue
		}
		last = v
		c.onTransition(v)
	}
}

func (c *MessageSyncCoordinator) onTransition(foreground bool) {
	c.attemptSync(c.ctx)
	if foreground {
		c.startPeriodic()
	} else {
		c.stopPeriodic()
	}
}

func (c *MessageSyncCoordinator) attemptSync(ctx context.Context) {
	if err := c.syncNow(ctx); err != nil {
		c.logger.Warn("message sync attempt failed, scheduling retry", "user_id", c.userID, "error", err)
		c.retry.ScheduleRetry(c.userID)
	}
}

func (c *MessageSyncCoordinator) startPeriodic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodicCancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(c.ctx)
	c.periodicCancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.clock.Sleep(pctx, c.interval); err != nil {
				return
			}
			c.attemptSync(pctx)
		}
	}()
}

func (c *MessageSyncCoordinator) stopPeriodic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periodicCancel != nil {
		c.periodicCancel()
		c.periodicCancel = nil
	}
}
