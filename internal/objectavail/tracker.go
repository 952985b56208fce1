// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package objectavail tracks which object ids the object store reports as
// resident on this node — the Object Availability Tracker of spec §3/§4.5.
package objectavail

import (
	"sync"

	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// Tracker holds the current LocalObjects set. It is mutated only by
// object-store notifications, per spec §3.
type Tracker struct {
	mu   sync.RWMutex
	objs *set.Set[taskspec.ObjectId]
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{objs: set.New[taskspec.ObjectId](0)}
}

// Add records oid as locally resident. Returns true if this changed the set.
func (t *Tracker) Add(oid taskspec.ObjectId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.objs.Insert(oid)
}

// Remove records oid as no longer locally resident. Returns true if this
// changed the set.
func (t *Tracker) Remove(oid taskspec.ObjectId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.objs.Remove(oid)
}

// Has reports whether oid is currently resident on this node.
func (t *Tracker) Has(oid taskspec.ObjectId) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objs.Contains(oid)
}

// Missing returns the subset of ids not currently resident, preserving
// input order.
func (t *Tracker) Missing(ids []taskspec.ObjectId) []taskspec.ObjectId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var missing []taskspec.ObjectId
	for _, id := range ids {
		if !t.objs.Contains(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// Len returns the number of locally resident objects.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objs.Size()
}
