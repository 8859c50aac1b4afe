// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package fullsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wireapp/kalium-sub012/synckit"
	"github.com/wireapp/kalium-sub012/syncstate"
)

// DefaultRetryDelay is the pause between a failed sync run and the next
// subscription attempt.
const DefaultRetryDelay = 10 * time.Second

// ErrAccountGone signals that the self user was deleted server-side. The
// recovery handler turns it into a forced logout instead of a retry.
var ErrAccountGone = errors.New("account no longer exists")

// RecoveryAction is the recovery handler's verdict on a sync failure.
type RecoveryAction int

const (
	RecoveryRetry RecoveryAction = iota
	RecoveryLogout
)

// RecoveryHandler inspects sync failures. Account-gone failures trigger an
// unconditional logout; everything else is retried.
type RecoveryHandler struct {
	logout func(ctx context.Context)
	logger *slog.Logger
}

// NewRecoveryHandler wires the handler. logout is invoked at most once per
// account-gone failure.
func NewRecoveryHandler(logout func(ctx context.Context), logger *slog.Logger) *RecoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryHandler{logout: logout, logger: logger}
}

// Handle classifies the failure and performs the logout side effect when
// the account is gone.
func (h *RecoveryHandler) Handle(ctx context.Context, err error) RecoveryAction {
	if errors.Is(err, ErrAccountGone) {
		h.logger.Warn("account deleted server-side, forcing logout")
		h.logout(ctx)
		return RecoveryLogout
	}
	h.logger.Warn("full sync failed, scheduling retry", "error", err)
	return RecoveryRetry
}

// Manager supervises the criteria stream and the worker. Every new criteria
// value cancels whatever run is in flight: Ready starts a fresh run from
// step one, anything else parks the pipeline as Pending. A worker failure
// marks the state Failed, consults the recovery handler, and restarts the
// subscription after the retry delay.
type Manager struct {
	criteria   *CriteriaProvider
	worker     *Worker
	holder     *syncstate.Holder
	recovery   *RecoveryHandler
	clock      synckit.Clock
	retryDelay time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the manager. A nil clock means the system clock; a zero
// retryDelay means DefaultRetryDelay.
func NewManager(criteria *CriteriaProvider, worker *Worker, holder *syncstate.Holder, recovery *RecoveryHandler, clock synckit.Clock, retryDelay time.Duration, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = synckit.SystemClock{}
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		criteria:   criteria,
		worker:     worker,
		holder:     holder,
		recovery:   recovery,
		clock:      clock,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Start launches the supervision loop.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop cancels the loop and any in-flight run, then waits for it to return.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	for ctx.Err() == nil {
		err := m.collect(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		// Cancellation bubbling out of the worker means the run was torn
		// down on purpose, not that sync failed.
		if errors.Is(err, context.Canceled) {
			return
		}

		m.holder.FullSync.Set(syncstate.FullSyncStatus{State: syncstate.FullSyncFailed, Cause: err})
		m.holder.Phase.Set(syncstate.PhaseStatus{Phase: syncstate.PhaseFailed, Cause: err})

		if m.recovery.Handle(ctx, err) == RecoveryLogout {
			return
		}
		if err := m.clock.Sleep(ctx, m.retryDelay); err != nil {
			return
		}
	}
}

// collect consumes the criteria stream until the context ends or a run
// fails. Each criteria value supersedes the previous one.
func (m *Manager) collect(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := m.criteria.Observe(cctx)
	errCh := make(chan error, 1)

	var runCancel context.CancelFunc
	var runDone chan struct{}
	stopRun := func() {
		if runCancel != nil {
			runCancel()
			<-runDone
			runCancel = nil
		}
	}
	defer stopRun()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			stopRun()

			if !c.Ready {
				m.logger.Info("full sync paused", "reason", c.MissingRequirement)
				m.holder.FullSync.Set(syncstate.FullSyncStatus{State: syncstate.FullSyncPending})
				m.holder.Phase.Set(syncstate.PhaseStatus{Phase: syncstate.PhaseWaiting})
				continue
			}

			rctx, rcancel := context.WithCancel(cctx)
			done := make(chan struct{})
			runCancel, runDone = rcancel, done
			go func() {
				defer close(done)
				err := m.runOnce(rctx)
				// A cancelled run was superseded, not failed.
				if err != nil && rctx.Err() == nil {
					errCh <- err
				}
			}()
		}
	}
}

func (m *Manager) runOnce(ctx context.Context) error {
	m.holder.Phase.Set(syncstate.PhaseStatus{Phase: syncstate.PhaseFullSync})

	err := m.worker.Run(ctx, func(step syncstate.FullSyncStep) {
		m.holder.FullSync.Set(syncstate.FullSyncStatus{State: syncstate.FullSyncOngoing, Step: step})
	})
	if err != nil {
		return err
	}

	m.holder.FullSync.Set(syncstate.FullSyncStatus{State: syncstate.FullSyncComplete})
	m.holder.Phase.Set(syncstate.PhaseStatus{Phase: syncstate.PhaseGatheringPendingEvents})
	m.logger.Info("full sync complete")
	return nil
}
