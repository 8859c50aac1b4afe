// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package fullsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wireapp/kalium-sub012/syncstate"
)

// StepAction is one fallible bootstrap step.
type StepAction func(ctx context.Context) error

// StepError wraps a step failure so it stays traceable to the step that
// produced it.
type StepError struct {
	Step syncstate.FullSyncStep
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("full sync step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// EventSource fetches the most recent event id known to the server.
type EventSource interface {
	MostRecentEventID(ctx context.Context) (string, error)
}

// Checkpoint is the persisted last-processed-event-id marker.
// *CheckpointStore implements it.
type Checkpoint interface {
	LastProcessedEventID(ctx context.Context) (string, bool, error)
	SetLastProcessedEventID(ctx context.Context, id string) error
}

// Worker runs the ordered bootstrap sequence. Steps never run out of order
// and nothing runs after a failure.
type Worker struct {
	actions    map[syncstate.FullSyncStep]StepAction
	events     EventSource
	checkpoint Checkpoint
	logger     *slog.Logger
}

// NewWorker wires the worker. A step without a registered action succeeds
// trivially. A nil logger falls back to slog.Default().
func NewWorker(actions map[syncstate.FullSyncStep]StepAction, events EventSource, checkpoint Checkpoint, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{actions: actions, events: events, checkpoint: checkpoint, logger: logger}
}

// Run executes every step in order, reporting each via onStep before it
// starts. When no event checkpoint exists yet, the most recent event id is
// fetched before any step runs and persisted only after the whole sequence
// succeeds: events arriving during the bootstrap are neither skipped nor
// double-counted. Cancellation aborts at the next step boundary.
func (w *Worker) Run(ctx context.Context, onStep func(syncstate.FullSyncStep)) error {
	_, hasCheckpoint, err := w.checkpoint.LastProcessedEventID(ctx)
	if err != nil {
		return err
	}

	var pendingEventID string
	if !hasCheckpoint {
		pendingEventID, err = w.events.MostRecentEventID(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch most recent event id: %w", err)
		}
	}

	for _, step := range syncstate.AllFullSyncSteps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onStep != nil {
			onStep(step)
		}
		w.logger.Debug("running full sync step", "step", step.String())

		action := w.actions[step]
		if action == nil {
			continue
		}
		if err := action(ctx); err != nil {
			return &StepError{Step: step, Err: err}
		}
	}

	if !hasCheckpoint {
		if err := w.checkpoint.SetLastProcessedEventID(ctx, pendingEventID); err != nil {
			return err
		}
	}
	return nil
}
