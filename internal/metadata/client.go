// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package metadata is a thin asynchronous wrapper around the replicated
// key-value + pub/sub service spec §4.4 calls the metadata store: the
// task-table and object-table RPCs, and subscriptions to changes in either
// keyed by this node's id. Every callback is dispatched on the caller's own
// goroutine by the in-repo Client implementation, matching the event-loop
// thread guarantee spec §4.4/§9 requires — a real client talking to a remote
// replicated store would instead dispatch callbacks from its own I/O
// goroutine onto the engine's loop via a channel, which is why every method
// here takes a callback rather than returning synchronously.
package metadata

import (
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/hashicorp/nomad-local-scheduler/internal/tasktable"
)

// ObjectLocations describes where an object is known to reside.
type ObjectLocations struct {
	Locations []string // opaque manager/node ids; empty means no known copy
	Size      int64
	Hash      string
}

// Present reports whether the object table lists at least one location.
func (l ObjectLocations) Present() bool { return len(l.Locations) > 0 }

// Client is the Metadata-Store Client interface spec §4.4 describes. All
// Task/Object table mutations that could race with other nodes are expressed
// as conditional updates keyed by expected prior state (spec §5).
type Client interface {
	// TaskTableAdd inserts a new task record with the given initial status.
	TaskTableAdd(id taskspec.TaskId, rec tasktable.Record, cb func(error))

	// TaskTableUpdate performs a CAS: status next is written only if the
	// stored status currently equals expected. cb receives ok=true iff the CAS
	// succeeded.
	TaskTableUpdate(id taskspec.TaskId, expected, next tasktable.Status, cb func(ok bool, err error))

	// TaskTableGet fetches the current record for id.
	TaskTableGet(id taskspec.TaskId, cb func(rec *tasktable.Record, err error))

	// ObjectTableAdd registers a location for oid.
	ObjectTableAdd(oid taskspec.ObjectId, size int64, hash string, managerID string, cb func(error))

	// ObjectTableRemove removes managerID's location for oid.
	ObjectTableRemove(oid taskspec.ObjectId, managerID string, cb func(error))

	// ObjectTableLookup fetches the current locations known for oid.
	ObjectTableLookup(oid taskspec.ObjectId, cb func(ObjectLocations, error))

	// SubscribeTaskTable registers fn to be called whenever a task record
	// owned by nodeID changes. Returns an unsubscribe function.
	SubscribeTaskTable(nodeID string, fn func(id taskspec.TaskId, rec tasktable.Record)) (unsubscribe func())

	// SubscribeObjectTable registers fn to be called whenever oid's location
	// set changes. Returns an unsubscribe function.
	SubscribeObjectTable(oid taskspec.ObjectId, fn func(ObjectLocations)) (unsubscribe func())
}
