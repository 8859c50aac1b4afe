// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package synckit

import "time"

// Backoff produces an exponential delay sequence: Min, 2*Min, 4*Min, ...
// clamped to Max. Next advances the sequence; Reset returns it to Min.
// The zero value is not usable, construct with NewBackoff.
type Backoff struct {
	Min, Max time.Duration
	current  time.Duration
}

// NewBackoff returns a backoff sequence positioned at min.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max, current: min}
}

// Next returns the current delay and doubles the one after it.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Reset returns the sequence to its minimum delay.
func (b *Backoff) Reset() {
	b.current = b.Min
}
