// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package fullsync

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/wireapp/kalium-sub012/synckit"
	"github.com/wireapp/kalium-sub012/syncstate"
)

func newTestCheckpoint(t *testing.T) *CheckpointStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store, err := NewCheckpointStore(db)
	require.NoError(t, err)
	return store
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestCheckpoint(t)
	ctx := context.Background()

	_, ok, err := store.LastProcessedEventID(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetLastProcessedEventID(ctx, "event-1"))
	require.NoError(t, store.SetLastProcessedEventID(ctx, "event-2"))

	id, ok, err := store.LastProcessedEventID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "event-2", id)

	require.NoError(t, store.ClearCheckpoint(ctx))
	_, ok, err = store.LastProcessedEventID(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Clearing an already-absent checkpoint stays quiet.
	require.NoError(t, store.ClearCheckpoint(ctx))
}

func TestCriteriaEvaluationOrder(t *testing.T) {
	require.Equal(t, "logged out: session expired",
		evaluate("session expired", "", true).MissingRequirement)
	require.Equal(t, "no device registered",
		evaluate("", "", true).MissingRequirement)
	require.Equal(t, "device registration blocked by compliance enrollment",
		evaluate("", "client1", true).MissingRequirement)
	require.True(t, evaluate("", "client1", false).Ready)
}

func TestCriteriaStreamEmitsReadyOncePerChange(t *testing.T) {
	logout := syncstate.NewState("")
	client := syncstate.NewState("")
	blocked := syncstate.NewState(false)
	provider := NewCriteriaProvider(logout, client, blocked)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := provider.Observe(ctx)

	first := recvCriteria(t, ch)
	require.False(t, first.Ready)
	require.Equal(t, "no device registered", first.MissingRequirement)

	client.Set("client1")
	ready := recvCriteria(t, ch)
	require.True(t, ready.Ready)

	// An input change that does not alter the outcome re-emits nothing.
	client.Set("client1")
	select {
	case c := <-ch:
		t.Fatalf("unexpected emission: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	blocked.Set(true)
	next := recvCriteria(t, ch)
	require.False(t, next.Ready)
}

func recvCriteria(t *testing.T, ch <-chan Criteria) Criteria {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "criteria stream closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for criteria")
		return Criteria{}
	}
}

// fakeEvents serves a fixed most-recent event id and counts fetches.
type fakeEvents struct {
	id      string
	fetches int
}

func (f *fakeEvents) MostRecentEventID(ctx context.Context) (string, error) {
	f.fetches++
	return f.id, nil
}

func stepRecorder(ran *[]syncstate.FullSyncStep) map[syncstate.FullSyncStep]StepAction {
	actions := make(map[syncstate.FullSyncStep]StepAction)
	for _, step := range syncstate.AllFullSyncSteps() {
		step := step
		actions[step] = func(ctx context.Context) error {
			*ran = append(*ran, step)
			return nil
		}
	}
	return actions
}

func TestWorkerRunsStepsInOrderAndPersistsCheckpoint(t *testing.T) {
	checkpoint := newTestCheckpoint(t)
	events := &fakeEvents{id: "event-99"}
	var ran []syncstate.FullSyncStep
	worker := NewWorker(stepRecorder(&ran), events, checkpoint, nil)

	var reported []syncstate.FullSyncStep
	err := worker.Run(context.Background(), func(s syncstate.FullSyncStep) {
		reported = append(reported, s)
	})
	require.NoError(t, err)
	require.Equal(t, syncstate.AllFullSyncSteps(), ran)
	require.Equal(t, syncstate.AllFullSyncSteps(), reported)
	require.Equal(t, 1, events.fetches)

	id, ok, err := checkpoint.LastProcessedEventID(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "event-99", id)
}

func TestWorkerSkipsEventFetchWithExistingCheckpoint(t *testing.T) {
	checkpoint := newTestCheckpoint(t)
	require.NoError(t, checkpoint.SetLastProcessedEventID(context.Background(), "event-1"))

	events := &fakeEvents{id: "event-99"}
	var ran []syncstate.FullSyncStep
	worker := NewWorker(stepRecorder(&ran), events, checkpoint, nil)

	require.NoError(t, worker.Run(context.Background(), nil))
	require.Zero(t, events.fetches)

	id, _, err := checkpoint.LastProcessedEventID(context.Background())
	require.NoError(t, err)
	require.Equal(t, "event-1", id)
}

func TestWorkerShortCircuitsOnStepFailure(t *testing.T) {
	checkpoint := newTestCheckpoint(t)
	events := &fakeEvents{id: "event-99"}

	var ran []syncstate.FullSyncStep
	actions := stepRecorder(&ran)
	boom := errors.New("conversation fetch failed")
	actions[syncstate.StepConversations] = func(ctx context.Context) error { return boom }

	worker := NewWorker(actions, events, checkpoint, nil)
	err := worker.Run(context.Background(), nil)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, syncstate.StepConversations, stepErr.Step)
	require.ErrorIs(t, err, boom)

	// Steps after the failing one never ran.
	require.Equal(t, []syncstate.FullSyncStep{
		syncstate.StepMigration,
		syncstate.StepSelfProfile,
		syncstate.StepFeatureFlags,
		syncstate.StepSupportedProtocols,
	}, ran)

	// The checkpoint is only persisted after a fully successful run.
	_, ok, err := checkpoint.LastProcessedEventID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

type managerFixture struct {
	logout  *syncstate.State[string]
	client  *syncstate.State[string]
	blocked *syncstate.State[bool]
	holder  *syncstate.Holder
	clock   *synckit.FakeClock
	manager *Manager

	mu        sync.Mutex
	loggedOut bool
}

func newManagerFixture(t *testing.T, actions map[syncstate.FullSyncStep]StepAction) *managerFixture {
	t.Helper()
	f := &managerFixture{
		logout:  syncstate.NewState(""),
		client:  syncstate.NewState(""),
		blocked: syncstate.NewState(false),
		holder:  syncstate.NewHolder(),
		clock:   synckit.NewFakeClock(time.UnixMilli(1_000_000)),
	}
	provider := NewCriteriaProvider(f.logout, f.client, f.blocked)
	worker := NewWorker(actions, &fakeEvents{id: "event-1"}, newTestCheckpoint(t), nil)
	recovery := NewRecoveryHandler(func(ctx context.Context) {
		f.mu.Lock()
		f.loggedOut = true
		f.mu.Unlock()
	}, nil)
	f.manager = NewManager(provider, worker, f.holder, recovery, f.clock, 0, nil)
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *managerFixture) waitForFullSyncState(t *testing.T, want syncstate.FullSyncState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.holder.FullSync.Get().State == want
	}, time.Second, time.Millisecond)
}

func TestManagerCompletesWhenCriteriaReady(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.client.Set("client1")
	f.manager.Start()

	f.waitForFullSyncState(t, syncstate.FullSyncComplete)
	require.Equal(t, syncstate.PhaseGatheringPendingEvents, f.holder.Phase.Get().Phase)
}

func TestManagerParksPendingWhileRequirementsMissing(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.manager.Start()

	// No device registered: the pipeline stays parked.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, syncstate.FullSyncPending, f.holder.FullSync.Get().State)
	require.Equal(t, syncstate.PhaseWaiting, f.holder.Phase.Get().Phase)

	f.client.Set("client1")
	f.waitForFullSyncState(t, syncstate.FullSyncComplete)
}

func TestManagerRetriesAfterFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	actions := map[syncstate.FullSyncStep]StepAction{
		syncstate.StepConversations: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("transient fetch failure")
			}
			return nil
		},
	}
	f := newManagerFixture(t, actions)
	f.client.Set("client1")
	f.manager.Start()

	f.waitForFullSyncState(t, syncstate.FullSyncFailed)
	require.Error(t, f.holder.FullSync.Get().Cause)

	// The manager waits out the retry delay before resubscribing.
	require.Eventually(t, func() bool {
		return f.clock.WaiterCount() == 1
	}, time.Second, time.Millisecond)
	f.clock.Advance(DefaultRetryDelay)

	f.waitForFullSyncState(t, syncstate.FullSyncComplete)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts)
}

func TestManagerLogsOutWhenAccountGone(t *testing.T) {
	actions := map[syncstate.FullSyncStep]StepAction{
		syncstate.StepSelfProfile: func(ctx context.Context) error {
			return ErrAccountGone
		},
	}
	f := newManagerFixture(t, actions)
	f.client.Set("client1")
	f.manager.Start()

	f.waitForFullSyncState(t, syncstate.FullSyncFailed)
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.loggedOut
	}, time.Second, time.Millisecond)

	// No retry is scheduled after a forced logout.
	require.Zero(t, f.clock.WaiterCount())
}

func TestManagerDoesNotRetryWorkerCancellation(t *testing.T) {
	actions := map[syncstate.FullSyncStep]StepAction{
		syncstate.StepConversations: func(ctx context.Context) error {
			return context.Canceled
		},
	}
	f := newManagerFixture(t, actions)
	f.client.Set("client1")
	f.manager.Start()

	// Cancellation stops the loop without a failure state or a retry timer.
	time.Sleep(20 * time.Millisecond)
	require.NotEqual(t, syncstate.FullSyncFailed, f.holder.FullSync.Get().State)
	require.Zero(t, f.clock.WaiterCount())
	f.mu.Lock()
	defer f.mu.Unlock()
	require.False(t, f.loggedOut)
}

func TestManagerCancelsRunOnNewCriteria(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	actions := map[syncstate.FullSyncStep]StepAction{
		syncstate.StepConversations: func(ctx context.Context) error {
			started <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	f := newManagerFixture(t, actions)
	f.client.Set("client1")
	f.manager.Start()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("run never reached the blocking step")
	}

	// Losing the device id supersedes the in-flight run.
	f.client.Set("")
	f.waitForFullSyncState(t, syncstate.FullSyncPending)
	require.Equal(t, syncstate.PhaseWaiting, f.holder.Phase.Get().Phase)

	// A cancelled run is superseded, never surfaced as a failure.
	close(release)
	time.Sleep(20 * time.Millisecond)
	require.NotEqual(t, syncstate.FullSyncFailed, f.holder.FullSync.Get().State)
}
