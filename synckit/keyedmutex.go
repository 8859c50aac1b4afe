// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package synckit

import "sync"

// KeyedMutex provides per-key mutual exclusion with dynamic lifetime.
// Lock for a key creates its entry on first use; concurrent lockers for the
// same key queue in FIFO order on the entry's mutex; the entry is removed
// once its reference count drops to zero, so the map never grows beyond the
// set of currently contended keys. The outer lock guards only the map, not
// the per-key critical sections.
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty keyed mutex.
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{entries: make(map[K]*keyedEntry)}
}

// Lock acquires the mutex for key, blocking while another goroutine holds it.
func (m *KeyedMutex[K]) Lock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key and drops the entry when no other
// goroutine is waiting on it.
func (m *KeyedMutex[K]) Unlock(key K) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("synckit: unlock of unlocked keyed mutex")
	}
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// WithLock runs fn while holding the mutex for key.
func (m *KeyedMutex[K]) WithLock(key K, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}

// Len reports the number of live entries. Exposed for tests asserting that
// released keys do not accumulate.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
