// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ledger tracks the scalar CPU/GPU resources reserved by running
// tasks against the node's configured static capacity.
package ledger

import (
	"fmt"
	"sync"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// Ledger is a single-threaded-safe resource accountant. Every mutating method
// is called only from the engine's event-loop goroutine, but the internal
// mutex makes it safe for metrics collection to read concurrently.
type Ledger struct {
	mu       sync.Mutex
	capacity taskspec.ResourceDemand
	reserved taskspec.ResourceDemand
}

// New returns a Ledger with the given static capacity.
func New(capacity taskspec.ResourceDemand) *Ledger {
	return &Ledger{capacity: capacity}
}

// Fits reports whether demand can currently be carved out of the unreserved
// capacity without driving any component negative.
func (l *Ledger) Fits(demand taskspec.ResourceDemand) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := l.capacity.Sub(l.reserved)
	return demand.FitsIn(avail)
}

// Reserve debits demand from the ledger on task assignment. It is an error
// to reserve more than is available; callers must check Fits first — Queue
// Manager's try_dispatch always does, so this only fires on a programming
// error.
func (l *Ledger) Reserve(demand taskspec.ResourceDemand) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.reserved.Add(demand)
	if !next.FitsIn(l.capacity) {
		return fmt.Errorf("ledger: reserving %+v would exceed capacity %+v (already reserved %+v)", demand, l.capacity, l.reserved)
	}
	l.reserved = next
	return nil
}

// Release credits demand back to the ledger on worker completion or death.
// The ledger never goes negative: releasing more than was reserved clamps at
// zero per-component rather than underflowing, which would otherwise let a
// double-release starve future assignments by reporting phantom headroom.
func (l *Ledger) Release(demand taskspec.ResourceDemand) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.reserved.Sub(demand)
	if next.CPU < 0 {
		next.CPU = 0
	}
	if next.GPU < 0 {
		next.GPU = 0
	}
	l.reserved = next
}

// Reserved returns the currently reserved amount, for metrics/introspection.
func (l *Ledger) Reserved() taskspec.ResourceDemand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Capacity returns the configured static capacity.
func (l *Ledger) Capacity() taskspec.ResourceDemand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// Idle reports whether nothing at all is reserved, i.e. the ledger equals
// its configured capacity's zero point.
func (l *Ledger) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved == (taskspec.ResourceDemand{})
}
