// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package synckit

import (
	"sync"
	"time"
)

// TTLCache is a small expirable map. Entries become invisible once their
// lifetime elapses and are dropped lazily on access.
type TTLCache[K comparable, V any] struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value    V
	deadline time.Time
}

// NewTTLCache returns a cache whose entries expire ttl after being set.
func NewTTLCache[K comparable, V any](ttl time.Duration, clock Clock) *TTLCache[K, V] {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TTLCache[K, V]{ttl: ttl, clock: clock, entries: make(map[K]ttlEntry[V])}
}

// Set stores value under key, resetting its lifetime.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[V]{value: value, deadline: c.clock.Now().Add(c.ttl)}
}

// Get returns the live value for key, if any.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.deadline.After(c.clock.Now()) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key immediately.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
