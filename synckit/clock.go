// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package synckit provides the small concurrency primitives shared by the
// sync engine: a refcounted keyed mutex, a debounced trigger buffer, an
// exponential backoff sequence, a TTL cache, and a clock abstraction so
// timed behavior can be driven by tests.
package synckit

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for components that persist deadlines or wait for
// them. The production implementation delegates to the time package.
type Clock interface {
	Now() time.Time
	// Sleep blocks until d has elapsed or ctx is done. It returns ctx.Err()
	// when interrupted, nil otherwise. Non-positive durations return
	// immediately.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the real-time Clock used outside of tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FakeClock is a manually advanced Clock for tests. Sleepers are released
// when Advance moves the current time past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	done     chan struct{}
}

// NewFakeClock returns a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	c.mu.Lock()
	w := &fakeWaiter{deadline: c.now.Add(d), done: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.removeWaiter(w)
		return ctx.Err()
	case <-w.done:
		return nil
	}
}

// removeWaiter deregisters a sleeper whose context was cancelled, so
// WaiterCount only ever reports sleeps that are still blocked.
func (c *FakeClock) removeWaiter(w *fakeWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range c.waiters {
		if candidate == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward and wakes every sleeper whose deadline
// has passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	var woken []*fakeWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range woken {
		close(w.done)
	}
}

// WaiterCount reports how many Sleep calls are currently blocked. Tests use
// it to synchronize with goroutines that are about to wait.
func (c *FakeClock) WaiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
