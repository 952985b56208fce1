// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package queue implements the Queue Manager: the waiting and dispatch
// queues and the transitions between them described in spec §4.1.
package queue

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad-local-scheduler/internal/ledger"
	"github.com/hashicorp/nomad-local-scheduler/internal/metadata"
	"github.com/hashicorp/nomad-local-scheduler/internal/objectavail"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/hashicorp/nomad-local-scheduler/internal/tasktable"
	"github.com/hashicorp/nomad-local-scheduler/internal/worker"
)

// location is a task's membership among the Manager's collections.
type location int

const (
	locAbsent location = iota
	locWaiting
	locDispatch
	locAssigned
)

type entry struct {
	spec    *taskspec.TaskSpec
	id      taskspec.TaskId
	missing map[taskspec.ObjectId]struct{}
	loc     location

	assignedWorker worker.ID
	hasWorker      bool
	// running is set once the task's EXECUTE_TASK message has been handed
	// to the worker's socket. Spec §4.1's on_object_removed must not demote
	// a running task; it may demote one that is merely assigned (the narrow
	// window between try_dispatch's status write and the send succeeding).
	running bool
}

// SendFunc delivers a task's spec to the worker it has been assigned to. It
// is expected to be non-blocking from the Manager's point of view (spec §5:
// "every worker socket write is either buffered or drained incrementally").
type SendFunc func(w worker.ID, spec *taskspec.TaskSpec, id taskspec.TaskId) error

// Manager implements the waiting/dispatch queues and their transitions.
type Manager struct {
	logger hclog.Logger
	nodeID string

	tracker *objectavail.Tracker
	ledger  *ledger.Ledger
	pool    *worker.Pool
	meta    metadata.Client
	send    SendFunc

	entries  map[taskspec.TaskId]*entry
	waiting  *taskFIFO
	dispatch *taskFIFO
}

// New constructs a Manager. nodeID is this local scheduler's identity, used
// as the task table's owner field.
func New(logger hclog.Logger, nodeID string, tracker *objectavail.Tracker, ledger *ledger.Ledger, pool *worker.Pool, meta metadata.Client, send SendFunc) *Manager {
	return &Manager{
		logger:   logger.Named("queue"),
		nodeID:   nodeID,
		tracker:  tracker,
		ledger:   ledger,
		pool:     pool,
		meta:     meta,
		send:     send,
		entries:  make(map[taskspec.TaskId]*entry),
		waiting:  newTaskFIFO(),
		dispatch: newTaskFIFO(),
	}
}

// Submit registers a new task, classifying it as waiting or dispatchable
// based on current argument availability, per spec §4.1.
func (m *Manager) Submit(spec *taskspec.TaskSpec) (taskspec.TaskId, error) {
	id, err := spec.ID()
	if err != nil {
		return taskspec.TaskId{}, fmt.Errorf("queue: submit: %w", err)
	}
	if existing, ok := m.entries[id]; ok && existing.loc != locAbsent {
		// Resubmission (e.g. from reconstruction) of a task already tracked
		// is a no-op; the caller should have observed its current location.
		return id, nil
	}

	missing := m.tracker.Missing(spec.Args)
	e := &entry{spec: spec, id: id, missing: toSet(missing)}
	m.entries[id] = e

	rec := tasktable.Record{Spec: spec, Status: tasktable.WAITING, Owner: m.nodeID}
	m.meta.TaskTableAdd(id, rec, func(err error) {
		if err != nil {
			m.logger.Warn("task table add failed", "task_id", id, "error", err)
		}
	})

	if len(e.missing) == 0 {
		e.loc = locDispatch
		m.dispatch.PushBack(id)
	} else {
		e.loc = locWaiting
		m.waiting.PushBack(id)
	}

	m.TryDispatch()
	return id, nil
}

// OnObjectAvailable moves every waiting task whose last missing argument is
// oid into the dispatch queue, then attempts dispatch. The caller is
// expected to have already updated the Object Availability Tracker.
func (m *Manager) OnObjectAvailable(oid taskspec.ObjectId) {
	for _, id := range m.waiting.Slice() {
		e := m.entries[id]
		if _, ok := e.missing[oid]; !ok {
			continue
		}
		delete(e.missing, oid)
		if len(e.missing) == 0 {
			m.waiting.Remove(id)
			e.loc = locDispatch
			m.dispatch.PushBack(id)
		}
	}
	m.TryDispatch()
}

// OnObjectRemoved moves every dispatch-queue or assigned-but-not-yet-running
// task depending on oid back to waiting. A running task is never demoted
// (spec §4.1): its ongoing execution is authoritative. The caller is
// expected to have already updated the Object Availability Tracker.
func (m *Manager) OnObjectRemoved(oid taskspec.ObjectId) {
	for _, id := range m.dispatch.Slice() {
		e := m.entries[id]
		if !dependsOn(e.spec, oid) {
			continue
		}
		m.dispatch.Remove(id)
		m.demote(e, oid)
	}
	for _, e := range m.entries {
		if e.loc != locAssigned || e.running {
			continue
		}
		if !dependsOn(e.spec, oid) {
			continue
		}
		m.demote(e, oid)
	}
}

func (m *Manager) demote(e *entry, oid taskspec.ObjectId) {
	e.missing = toSet(m.tracker.Missing(e.spec.Args))
	e.missing[oid] = struct{}{}
	e.loc = locWaiting
	e.hasWorker = false
	m.waiting.PushBack(e.id)
}

// OnWorkerIdle is wired to worker.Deps.OnWorkerIdle: any worker becoming
// idle is an opportunity to dispatch.
func (m *Manager) OnWorkerIdle(*worker.Client) {
	m.TryDispatch()
}

// TryDispatch repeatedly assigns the head of the dispatch queue to an idle
// worker as long as resources and an eligible worker are available,
// stopping (without skipping ahead) the moment the head cannot be satisfied
// — this preserves FIFO order and prevents a wide task from starving behind
// narrower ones that happen to fit (spec §4.1).
func (m *Manager) TryDispatch() {
	for {
		id, ok := m.dispatch.Front()
		if !ok {
			return
		}
		e := m.entries[id]

		if !m.ledger.Fits(e.spec.Resources) {
			return
		}

		var w *worker.Client
		if actor, has := e.spec.ActorId, !e.spec.ActorId.IsZero(); has {
			w, ok = m.pool.IdleActorWorker(actor)
		} else {
			plain := m.pool.IdlePlainWorkers()
			if len(plain) > 0 {
				w, ok = plain[0], true
			}
		}
		if !ok {
			return
		}

		m.assign(e, w)
	}
}

func (m *Manager) assign(e *entry, w *worker.Client) {
	m.dispatch.Remove(e.id)
	e.loc = locAssigned
	e.assignedWorker = w.ID()
	e.hasWorker = true
	e.running = false

	if err := m.ledger.Reserve(e.spec.Resources); err != nil {
		m.logger.Error("ledger reserve failed during dispatch", "task_id", e.id, "error", err)
		return
	}
	if err := m.pool.Assign(w.ID(), e.id); err != nil {
		m.logger.Error("worker assign failed during dispatch", "task_id", e.id, "worker_id", w.ID(), "error", err)
		m.ledger.Release(e.spec.Resources)
		return
	}

	m.meta.TaskTableUpdate(e.id, tasktable.WAITING, tasktable.SCHEDULED, func(ok bool, err error) {
		if err != nil || !ok {
			m.logger.Warn("task table schedule update failed", "task_id", e.id, "ok", ok, "error", err)
		}
	})

	if err := m.send(w.ID(), e.spec, e.id); err != nil {
		m.logger.Error("sending task to worker failed", "task_id", e.id, "worker_id", w.ID(), "error", err)
		return
	}

	e.running = true
	m.meta.TaskTableUpdate(e.id, tasktable.SCHEDULED, tasktable.RUNNING, func(ok bool, err error) {
		if err != nil || !ok {
			m.logger.Warn("task table running update failed", "task_id", e.id, "ok", ok, "error", err)
		}
	})
}

// OnTaskDone handles a worker's TASK_DONE message: it credits the ledger,
// marks the task DONE in the task table, and frees the worker (which in
// turn triggers another dispatch attempt).
func (m *Manager) OnTaskDone(id taskspec.TaskId) error {
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("queue: task done: unknown task %s", id)
	}
	m.ledger.Release(e.spec.Resources)
	delete(m.entries, id)

	m.meta.TaskTableUpdate(id, tasktable.RUNNING, tasktable.DONE, func(ok bool, err error) {
		if err != nil || !ok {
			m.logger.Warn("task table done update failed", "task_id", id, "ok", ok, "error", err)
		}
	})

	if e.hasWorker {
		if _, err := m.pool.Completed(e.assignedWorker); err != nil {
			return fmt.Errorf("queue: task done: %w", err)
		}
	}
	return nil
}

// OnWorkerDied is wired to worker.Deps.OnWorkerDied: it credits resources
// back and marks the in-flight task LOST, per spec §4.2/§7.
func (m *Manager) OnWorkerDied(taskID taskspec.TaskId, hasTask bool) {
	if !hasTask {
		return
	}
	e, ok := m.entries[taskID]
	if !ok {
		return
	}
	m.ledger.Release(e.spec.Resources)
	delete(m.entries, taskID)

	m.meta.TaskTableUpdate(taskID, tasktable.RUNNING, tasktable.LOST, func(ok bool, err error) {
		if err == nil && !ok {
			// The task may have been SCHEDULED (died before the worker
			// acked) rather than RUNNING; retry against that status.
			m.meta.TaskTableUpdate(taskID, tasktable.SCHEDULED, tasktable.LOST, func(ok2 bool, err2 error) {
				if err2 != nil || !ok2 {
					m.logger.Warn("task table lost update failed", "task_id", taskID, "ok", ok2, "error", err2)
				}
			})
			return
		}
		if err != nil {
			m.logger.Warn("task table lost update failed", "task_id", taskID, "error", err)
		}
	})
}

// Resubmit re-enters a task already known to the metadata store (e.g. one
// the Reconstruction Coordinator has just CAS'd back to WAITING) into the
// local queues. Unlike Submit, it does not write a fresh task-table record.
func (m *Manager) Resubmit(spec *taskspec.TaskSpec) error {
	id, err := spec.ID()
	if err != nil {
		return fmt.Errorf("queue: resubmit: %w", err)
	}
	if e, ok := m.entries[id]; ok && e.loc != locAbsent {
		return nil
	}

	missing := m.tracker.Missing(spec.Args)
	e := &entry{spec: spec, id: id, missing: toSet(missing)}
	m.entries[id] = e
	if len(e.missing) == 0 {
		e.loc = locDispatch
		m.dispatch.PushBack(id)
	} else {
		e.loc = locWaiting
		m.waiting.PushBack(id)
	}
	m.TryDispatch()
	return nil
}

// WaitingLen and DispatchLen expose queue depths for tests and metrics.
func (m *Manager) WaitingLen() int  { return m.waiting.Len() }
func (m *Manager) DispatchLen() int { return m.dispatch.Len() }

// IsWaiting, IsDispatch, IsAssigned report a task's current membership, for
// tests asserting the spec §8 round-trip laws.
func (m *Manager) IsWaiting(id taskspec.TaskId) bool {
	e, ok := m.entries[id]
	return ok && e.loc == locWaiting
}

func (m *Manager) IsDispatch(id taskspec.TaskId) bool {
	e, ok := m.entries[id]
	return ok && e.loc == locDispatch
}

func (m *Manager) IsAssigned(id taskspec.TaskId) bool {
	e, ok := m.entries[id]
	return ok && e.loc == locAssigned
}

func toSet(ids []taskspec.ObjectId) map[taskspec.ObjectId]struct{} {
	out := make(map[taskspec.ObjectId]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func dependsOn(spec *taskspec.TaskSpec, oid taskspec.ObjectId) bool {
	for _, a := range spec.Args {
		if a == oid {
			return true
		}
	}
	return false
}
