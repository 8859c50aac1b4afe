// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wireapp/kalium-sub012/msgsync"
	"github.com/wireapp/kalium-sub012/synckit"
	"github.com/wireapp/kalium-sub012/syncstate"
)

// DefaultBackupQuietPeriod is how long event processing must stay quiet
// before a debounced backup fires.
const DefaultBackupQuietPeriod = 5 * time.Minute

// BackupFunc produces a backup and returns its content hash. The hash from
// the previous call gates the upload.
type BackupFunc func(ctx context.Context, lastUploadedHash string) (string, error)

// BackupCoordinator performs an immediate backup on every visibility
// transition, cancelling any pending debounced one, and debounces backups
// behind event-processed notifications: each notification restarts the
// quiet-period timer.
type BackupCoordinator struct {
	visibility *syncstate.State[bool]
	backup     BackupFunc
	quiet      time.Duration
	logger     *slog.Logger

	debouncer *synckit.Debouncer[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastHash string
}

// NewBackupCoordinator wires the coordinator. A zero quiet period means
// DefaultBackupQuietPeriod; a nil clock means the system clock.
func NewBackupCoordinator(visibility *syncstate.State[bool], backup BackupFunc, clock synckit.Clock, quiet time.Duration, logger *slog.Logger) *BackupCoordinator {
	if quiet <= 0 {
		quiet = DefaultBackupQuietPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &BackupCoordinator{
		visibility: visibility,
		backup:     backup,
		quiet:      quiet,
		logger:     logger,
	}
	c.debouncer = synckit.NewDebouncer(quiet, 0, clock, func([]struct{}) {
		c.runBackup(c.ctx)
	})
	return c
}

// Start subscribes to the visibility signal.
func (c *BackupCoordinator) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch()
	}()
}

// Stop drops any pending debounced backup and unsubscribes.
func (c *BackupCoordinator) Stop() {
	c.debouncer.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// OnEventProcessed notes that a server event was just applied and
// (re)starts the quiet-period timer for a debounced backup.
func (c *BackupCoordinator) OnEventProcessed() {
	c.debouncer.Add(struct{}{})
}

func (c *BackupCoordinator) watch() {
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
		// A transition supersedes any pending debounced backup.
		c.debouncer.Cancel()
		c.runBackup(c.ctx)
	}
}

// runBackup serializes backup attempts and threads the hash chain through
// consecutive calls.
func (c *BackupCoordinator) runBackup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash, err := c.backup(ctx, c.lastHash)
	if err != nil {
		if errors.Is(err, msgsync.ErrBackupSkipped) {
			c.logger.Debug("backup skipped", "reason", err)
		} else {
			c.logger.Warn("backup failed", "error", err)
		}
		return
	}
	c.lastHash = hash
}
