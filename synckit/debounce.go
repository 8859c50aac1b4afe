// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package synckit

import (
	"context"
	"sync"
	"time"
)

// Debouncer collects items and fires a flush callback once a quiet period
// has elapsed since the last Add. Adding an item while a timer is pending
// restarts the timer. When Capacity is positive and the buffer reaches it,
// the flush fires immediately instead of waiting.
//
// The flush callback runs on its own goroutine with the items drained from
// the buffer.
type Debouncer[T any] struct {
	quiet    time.Duration
	capacity int
	clock    Clock
	flush    func([]T)

	mu      sync.Mutex
	buf     []T
	cancel  context.CancelFunc
	stopped bool
}

// NewDebouncer returns a debouncer firing flush after quiet of inactivity,
// or immediately once capacity items are buffered (capacity <= 0 disables
// the capacity trigger).
func NewDebouncer[T any](quiet time.Duration, capacity int, clock Clock, flush func([]T)) *Debouncer[T] {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Debouncer[T]{quiet: quiet, capacity: capacity, clock: clock, flush: flush}
}

// Add buffers an item and (re)starts the quiet-period timer.
func (d *Debouncer[T]) Add(item T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.buf = append(d.buf, item)
	if d.capacity > 0 && len(d.buf) >= d.capacity {
		items := d.takeLocked()
		d.mu.Unlock()
		go d.flush(items)
		return
	}
	d.restartTimerLocked()
	d.mu.Unlock()
}

// Flush cancels any pending timer and fires immediately with the buffered
// items, if any.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	items := d.takeLocked()
	d.mu.Unlock()
	if len(items) > 0 {
		go d.flush(items)
	}
}

// Cancel drops the pending timer and discards buffered items.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	d.takeLocked()
	d.mu.Unlock()
}

// Stop cancels pending work and rejects further Adds.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	d.takeLocked()
	d.stopped = true
	d.mu.Unlock()
}

// takeLocked drains the buffer and stops the timer. Caller holds d.mu.
func (d *Debouncer[T]) takeLocked() []T {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	items := d.buf
	d.buf = nil
	return items
}

func (d *Debouncer[T]) restartTimerLocked() {
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		if err := d.clock.Sleep(ctx, d.quiet); err != nil {
			return // superseded or stopped
		}
		d.mu.Lock()
		// A concurrent Add may have restarted the timer after our sleep
		// completed; only the currently registered timer may drain.
		select {
		case <-ctx.Done():
			d.mu.Unlock()
			return
		default:
		}
		items := d.buf
		d.buf = nil
		d.cancel = nil
		d.mu.Unlock()
		if len(items) > 0 {
			d.flush(items)
		}
	}()
}
