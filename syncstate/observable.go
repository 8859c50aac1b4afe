// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package syncstate holds the process-wide observable state of the sync
// engine: the overall sync phase, full-sync progress, and incremental sync
// status. Each holder is single-writer; consumers get a read-only stream.
package syncstate

import (
	"context"
	"sync"
)

// State is a single-writer observable value container. Subscribers receive
// the current value on subscription and every subsequent update. Updates
// are conflated per subscriber: a slow reader sees the latest value, not
// every intermediate one.
type State[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[chan T]struct{}
}

// NewState returns a container holding initial.
func NewState[T any](initial T) *State[T] {
	return &State[T]{value: initial, subs: make(map[chan T]struct{})}
}

// Get returns the current value.
func (s *State[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set replaces the current value and notifies subscribers. Only the owning
// component may call Set.
func (s *State[T]) Set(value T) {
	s.mu.Lock()
	s.value = value
	for ch := range s.subs {
		// Conflate: drop the stale buffered value, then deliver the new one.
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
	s.mu.Unlock()
}

// Subscribe returns a channel yielding the current value followed by every
// update, until ctx is done. The channel is closed on cancellation.
func (s *State[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	s.mu.Lock()
	ch <- s.value
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		// Drain so a concurrent Set cannot be blocked on the buffer.
		select {
		case <-ch:
		default:
		}
		close(ch)
	}()
	return ch
}
