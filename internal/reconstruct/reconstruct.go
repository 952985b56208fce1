// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package reconstruct implements the Reconstruction Coordinator (spec §4.3):
// the race-free protocol that decides, for an object a worker failed to
// fetch, whether to re-fetch it from elsewhere or re-execute the task that
// produces it.
package reconstruct

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad-local-scheduler/internal/metadata"
	"github.com/hashicorp/nomad-local-scheduler/internal/objectavail"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/hashicorp/nomad-local-scheduler/internal/tasktable"
)

// State is a per-object entry in the Reconstruction State Map (spec §3/§4.3).
type State int

const (
	// Idle means no reconstruction is outstanding for the object.
	Idle State = iota
	// FetchRequested means a location was found and a fetch is in flight.
	FetchRequested
	// ReconstructionRequested means the producing task was CAS'd back to
	// WAITING and resubmitted; the state clears on that task's completion.
	ReconstructionRequested
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case FetchRequested:
		return "FetchRequested"
	case ReconstructionRequested:
		return "ReconstructionRequested"
	default:
		return "Unknown"
	}
}

// Fetcher asks the object store to pull a remote copy of an object.
type Fetcher interface {
	Fetch(ctx context.Context, oid taskspec.ObjectId) error
}

// Resubmitter re-enters a task already known to the metadata store into the
// local queues without writing a fresh task-table record. The Queue Manager
// satisfies this.
type Resubmitter interface {
	Resubmit(spec *taskspec.TaskSpec) error
}

// Coordinator implements reconstruct(oid). It is not safe for concurrent
// use from multiple goroutines; like every other component it is driven
// exclusively from the engine's single event-loop thread.
type Coordinator struct {
	logger hclog.Logger
	nodeID string

	meta    metadata.Client
	fetcher Fetcher
	queue   Resubmitter
	tracker *objectavail.Tracker

	mu sync.Mutex
	// states tracks the Reconstruction State Map, keyed by the object id the
	// caller invoked reconstruct() on.
	states map[taskspec.ObjectId]State
	// producers maps a return object id to the task id that produces it, for
	// every task this node has ever submitted. Only locally produced objects
	// can be reconstructed by this node (spec §4.3 step 3c: "otherwise leave
	// to the owning node"); a real cluster-wide implementation would instead
	// resolve this via the object's deterministic derivation from its
	// producing task id, which callers already know before they call
	// reconstruct — this index exists because the coordinator is invoked
	// with only the bare oid.
	producers map[taskspec.ObjectId]taskspec.TaskId
	// pending maps a producing task id back to the oid whose reconstruct()
	// call is waiting on it, so OnTaskDone can clear ReconstructionRequested.
	pending map[taskspec.TaskId]taskspec.ObjectId
}

// New constructs a Coordinator. nodeID must match the owner field the Queue
// Manager writes into the task table. tracker is the same Object Availability
// Tracker the Queue Manager uses; the Coordinator consults it to decide which
// of a resubmitted task's arguments still need their own reconstruct() call
// (spec §4.3 step 4).
func New(logger hclog.Logger, nodeID string, meta metadata.Client, fetcher Fetcher, queue Resubmitter, tracker *objectavail.Tracker) *Coordinator {
	return &Coordinator{
		logger:    logger.Named("reconstruct"),
		nodeID:    nodeID,
		meta:      meta,
		fetcher:   fetcher,
		queue:     queue,
		tracker:   tracker,
		states:    make(map[taskspec.ObjectId]State),
		producers: make(map[taskspec.ObjectId]taskspec.TaskId),
		pending:   make(map[taskspec.TaskId]taskspec.ObjectId),
	}
}

// RegisterProducer records that taskID produces spec's return objects, so a
// later reconstruct() call against one of them can find its producing task.
// The engine calls this for every task submitted to it, regardless of
// owner, since a node must recognize the tasks it originates to decide
// step 3c's ownership check. A resubmitted task keeps the entry made at its
// first submission.
func (c *Coordinator) RegisterProducer(taskID taskspec.TaskId, spec *taskspec.TaskSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, oid := range spec.Returns(taskID) {
		c.producers[oid] = taskID
	}
}

func (c *Coordinator) stateOf(oid taskspec.ObjectId) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[oid]
}

func (c *Coordinator) setState(oid taskspec.ObjectId, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == Idle {
		delete(c.states, oid)
	} else {
		c.states[oid] = s
	}
}

// Reconstruct runs the protocol of spec §4.3 for oid. Duplicate calls while
// oid is not Idle are no-ops, per the state machine.
func (c *Coordinator) Reconstruct(ctx context.Context, oid taskspec.ObjectId) {
	if c.stateOf(oid) != Idle {
		c.logger.Debug("reconstruct: duplicate call suppressed", "object_id", oid, "state", c.stateOf(oid))
		return
	}

	c.meta.ObjectTableLookup(oid, func(locs metadata.ObjectLocations, err error) {
		if err != nil {
			c.logger.Warn("reconstruct: object table lookup failed", "object_id", oid, "error", err)
			return
		}
		if locs.Present() {
			c.setState(oid, FetchRequested)
			if err := c.fetcher.Fetch(ctx, oid); err != nil {
				c.logger.Warn("reconstruct: fetch request failed", "object_id", oid, "error", err)
				c.setState(oid, Idle)
			}
			return
		}
		c.reconstructFromTaskTable(ctx, oid)
	})
}

func (c *Coordinator) reconstructFromTaskTable(ctx context.Context, oid taskspec.ObjectId) {
	c.mu.Lock()
	taskID, ok := c.producers[oid]
	c.mu.Unlock()
	if !ok {
		// Not a task this node has ever produced; leave it to whichever node
		// does (spec §4.3 step 3c).
		return
	}

	c.meta.TaskTableGet(taskID, func(rec *tasktable.Record, err error) {
		if err != nil {
			c.logger.Warn("reconstruct: task table get failed", "task_id", taskID, "error", err)
			return
		}
		if rec == nil {
			c.logger.Warn("reconstruct: producing task not found", "task_id", taskID)
			return
		}

		switch rec.Status {
		case tasktable.DONE:
			c.reconstructEvictedTask(ctx, oid, taskID, rec)
		case tasktable.SCHEDULED, tasktable.RUNNING:
			// In-flight execution will (re)produce the object; nothing to do.
		case tasktable.WAITING, tasktable.LOST:
			if rec.Owner == c.nodeID {
				if err := c.queue.Resubmit(rec.Spec); err != nil {
					c.logger.Warn("reconstruct: ensure-enqueued resubmit failed", "task_id", taskID, "error", err)
					return
				}
				c.reconstructMissingArgs(ctx, rec.Spec)
			}
		}
	})
}

// reconstructEvictedTask performs the CAS-guarded DONE→WAITING transition.
// The CAS only fires if the status was still DONE at commit time; a writer
// elsewhere that already advanced it (e.g. another node's own reconstruction)
// suppresses this one, per spec §4.3's suppression race.
func (c *Coordinator) reconstructEvictedTask(ctx context.Context, oid taskspec.ObjectId, taskID taskspec.TaskId, rec *tasktable.Record) {
	c.setState(oid, ReconstructionRequested)
	c.mu.Lock()
	c.pending[taskID] = oid
	c.mu.Unlock()

	c.meta.TaskTableUpdate(taskID, tasktable.DONE, tasktable.WAITING, func(ok bool, err error) {
		if err != nil {
			c.logger.Warn("reconstruct: CAS errored", "task_id", taskID, "error", err)
			c.clearPending(taskID)
			return
		}
		if !ok {
			// Another node already won the race; suppress the spurious re-run.
			c.logger.Debug("reconstruct: CAS lost, suppressing re-run", "task_id", taskID, "object_id", oid)
			c.clearPending(taskID)
			return
		}
		if err := c.queue.Resubmit(rec.Spec); err != nil {
			c.logger.Warn("reconstruct: resubmit after CAS failed", "task_id", taskID, "error", err)
			c.clearPending(taskID)
			return
		}
		// Re-execution of taskID may itself be blocked on inputs that were
		// lost (spec §4.3 step 4: reconstruction is recursive). Nothing else
		// will notice while the task merely sits in the waiting queue — no
		// worker has been assigned it yet to emit a RECONSTRUCT_OBJECT
		// message — so trigger reconstruct() for each missing argument here.
		c.reconstructMissingArgs(ctx, rec.Spec)
	})
}

// reconstructMissingArgs calls Reconstruct for every argument of spec that
// the Object Availability Tracker does not currently list as resident.
// Duplicate calls against an argument already being reconstructed are
// no-ops (Reconstruct suppresses non-Idle states), so this is safe to call
// every time a task lands or re-lands in the waiting queue.
func (c *Coordinator) reconstructMissingArgs(ctx context.Context, spec *taskspec.TaskSpec) {
	for _, argOid := range c.tracker.Missing(spec.Args) {
		c.Reconstruct(ctx, argOid)
	}
}

func (c *Coordinator) clearPending(taskID taskspec.TaskId) {
	c.mu.Lock()
	oid, ok := c.pending[taskID]
	delete(c.pending, taskID)
	c.mu.Unlock()
	if ok {
		c.setState(oid, Idle)
	}
}

// OnObjectAvailable clears a FetchRequested entry once the fetched object
// lands locally (spec §4.3: "→ Idle on delivery or failure"). The engine
// calls this alongside the Queue Manager's own OnObjectAvailable.
func (c *Coordinator) OnObjectAvailable(oid taskspec.ObjectId) {
	if c.stateOf(oid) == FetchRequested {
		c.setState(oid, Idle)
	}
}

// OnTaskDone clears any ReconstructionRequested entry waiting on taskID's
// completion. The engine calls this alongside the Queue Manager's own
// OnTaskDone.
func (c *Coordinator) OnTaskDone(taskID taskspec.TaskId) {
	c.clearPending(taskID)
}

// StateOf exposes the current state for a given oid, for tests and metrics.
func (c *Coordinator) StateOf(oid taskspec.ObjectId) State {
	return c.stateOf(oid)
}

// PendingCount reports the number of objects with a non-Idle entry in the
// Reconstruction State Map, for metrics.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}
