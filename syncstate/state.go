// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package syncstate

import "fmt"

// SyncPhase is the top-level sync state machine:
// Waiting → FullSync → GatheringPendingEvents → Live, with Failed reachable
// from any phase.
type SyncPhase int

const (
	PhaseWaiting SyncPhase = iota
	PhaseFullSync
	PhaseGatheringPendingEvents
	PhaseLive
	PhaseFailed
)

func (p SyncPhase) String() string {
	switch p {
	case PhaseWaiting:
		return "WAITING"
	case PhaseFullSync:
		return "FULL_SYNC"
	case PhaseGatheringPendingEvents:
		return "GATHERING_PENDING_EVENTS"
	case PhaseLive:
		return "LIVE"
	case PhaseFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("SyncPhase(%d)", int(p))
	}
}

// FullSyncStep enumerates the ordered bootstrap steps. The worker executes
// them strictly in declaration order.
type FullSyncStep int

const (
	StepMigration FullSyncStep = iota
	StepSelfProfile
	StepFeatureFlags
	StepSupportedProtocols
	StepConversations
	StepConnections
	StepTeam
	StepLegalHold
	StepContacts
	StepJoinGroupConversations
	StepResolveOneOnOneProtocols
)

var stepNames = [...]string{
	"MIGRATION",
	"SELF_PROFILE",
	"FEATURE_FLAGS",
	"SUPPORTED_PROTOCOLS",
	"CONVERSATIONS",
	"CONNECTIONS",
	"TEAM",
	"LEGAL_HOLD",
	"CONTACTS",
	"JOIN_GROUP_CONVERSATIONS",
	"RESOLVE_ONE_ON_ONE_PROTOCOLS",
}

func (s FullSyncStep) String() string {
	if int(s) >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("FullSyncStep(%d)", int(s))
}

// AllFullSyncSteps returns the steps in execution order.
func AllFullSyncSteps() []FullSyncStep {
	steps := make([]FullSyncStep, len(stepNames))
	for i := range steps {
		steps[i] = FullSyncStep(i)
	}
	return steps
}

// FullSyncState describes full-sync progress. Created fresh per login and
// never persisted; whether a full sync is needed is recomputed at boot from
// the last-processed-event-id checkpoint.
type FullSyncState int

const (
	FullSyncPending FullSyncState = iota
	FullSyncOngoing
	FullSyncComplete
	FullSyncFailed
)

func (s FullSyncState) String() string {
	switch s {
	case FullSyncPending:
		return "PENDING"
	case FullSyncOngoing:
		return "ONGOING"
	case FullSyncComplete:
		return "COMPLETE"
	case FullSyncFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("FullSyncState(%d)", int(s))
	}
}

// FullSyncStatus pairs the coarse state with the current step (while
// ongoing) or the failure cause (while failed).
type FullSyncStatus struct {
	State FullSyncState
	Step  FullSyncStep // valid only while State == FullSyncOngoing
	Cause error        // valid only while State == FullSyncFailed
}

// IncrementalSyncState describes the live event-stream processing status,
// independent of full sync.
type IncrementalSyncState int

const (
	IncrementalPending IncrementalSyncState = iota
	IncrementalFetchingPendingEvents
	IncrementalLive
	IncrementalFailed
)

func (s IncrementalSyncState) String() string {
	switch s {
	case IncrementalPending:
		return "PENDING"
	case IncrementalFetchingPendingEvents:
		return "FETCHING_PENDING_EVENTS"
	case IncrementalLive:
		return "LIVE"
	case IncrementalFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("IncrementalSyncState(%d)", int(s))
	}
}

// IncrementalSyncStatus carries the state and, when failed, its cause.
type IncrementalSyncStatus struct {
	State IncrementalSyncState
	Cause error
}

// PhaseStatus carries the top-level phase and, when failed, its cause.
type PhaseStatus struct {
	Phase SyncPhase
	Cause error
}

// Holder owns the three observable state machines. It is created once per
// session; the components driving each machine are its only writers.
type Holder struct {
	Phase       *State[PhaseStatus]
	FullSync    *State[FullSyncStatus]
	Incremental *State[IncrementalSyncStatus]
}

// NewHolder returns holders in their boot states.
func NewHolder() *Holder {
	return &Holder{
		Phase:       NewState(PhaseStatus{Phase: PhaseWaiting}),
		FullSync:    NewState(FullSyncStatus{State: FullSyncPending}),
		Incremental: NewState(IncrementalSyncStatus{State: IncrementalPending}),
	}
}
