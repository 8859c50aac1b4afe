// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fullsync bootstraps account state after login: a criteria
// provider decides whether sync may run, a worker executes the ordered
// bootstrap steps, and a manager supervises the two with restart-on-failure.
package fullsync

import (
	"context"
	"fmt"

	"github.com/wireapp/kalium-sub012/syncstate"
)

// Criteria is one evaluation of the sync preconditions. When not ready,
// MissingRequirement names the first unmet precondition.
type Criteria struct {
	Ready              bool
	MissingRequirement string
}

// CriteriaProvider combines three observable inputs into a readiness
// stream. It re-evaluates on every input change and does not debounce;
// callers that care about flapping debounce on their side.
type CriteriaProvider struct {
	logoutReason      *syncstate.State[string] // empty when logged in
	clientID          *syncstate.State[string] // empty when no device registered
	complianceBlocked *syncstate.State[bool]
}

// NewCriteriaProvider wires the three inputs. An empty logout reason means
// "logged in"; an empty client id means "no device registered".
func NewCriteriaProvider(logoutReason, clientID *syncstate.State[string], complianceBlocked *syncstate.State[bool]) *CriteriaProvider {
	return &CriteriaProvider{
		logoutReason:      logoutReason,
		clientID:          clientID,
		complianceBlocked: complianceBlocked,
	}
}

// evaluate applies the precedence order: logout reason first, then missing
// device, then compliance block.
func evaluate(logoutReason, clientID string, complianceBlocked bool) Criteria {
	switch {
	case logoutReason != "":
		return Criteria{MissingRequirement: fmt.Sprintf("logged out: %s", logoutReason)}
	case clientID == "":
		return Criteria{MissingRequirement: "no device registered"}
	case complianceBlocked:
		return Criteria{MissingRequirement: "device registration blocked by compliance enrollment"}
	default:
		return Criteria{Ready: true}
	}
}

// Observe emits the current criteria, then a new value whenever any input
// changes the outcome. Consecutive equal results are not re-emitted. The
// channel closes when ctx is done.
func (p *CriteriaProvider) Observe(ctx context.Context) <-chan Criteria {
	out := make(chan Criteria, 1)

	logoutCh := p.logoutReason.Subscribe(ctx)
	clientCh := p.clientID.Subscribe(ctx)
	blockedCh := p.complianceBlocked.Subscribe(ctx)

	go func() {
		defer close(out)

		logout := p.logoutReason.Get()
		client := p.clientID.Get()
		blocked := p.complianceBlocked.Get()

		last := evaluate(logout, client, blocked)
		if !send(ctx, out, last) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-logoutCh:
				if !ok {
					return
				}
				logout = v
			case v, ok := <-clientCh:
				if !ok {
					return
				}
				client = v
			case v, ok := <-blockedCh:
				if !ok {
					return
				}
				blocked = v
			}

			next := evaluate(logout, client, blocked)
			if next == last {
				continue
			}
			last = next
			if !send(ctx, out, next) {
				return
			}
		}
	}()
	return out
}

func send(ctx context.Context, out chan<- Criteria, c Criteria) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
