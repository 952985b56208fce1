// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tasktable defines the mutable task record and its status machine.
// The authoritative copy of every record lives in the metadata store; this
// package owns only the status precedence rules and the record shape, so
// both the in-process mock store and the Queue Manager agree on them.
package tasktable

import (
	"fmt"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// Status is a task's lifecycle state within the task table.
type Status int

const (
	// WAITING means the task is known but not yet schedulable (locally or
	// anywhere): at least one argument is missing, or it has simply not been
	// picked up yet.
	WAITING Status = iota
	// SCHEDULED means a local scheduler has assigned the task to a worker
	// but the worker has not yet begun executing it.
	SCHEDULED
	// RUNNING means a worker is actively executing the task.
	RUNNING
	// DONE means the task completed and (modulo eviction) its return
	// objects are available.
	DONE
	// LOST means the worker executing the task died before completion; the
	// task must be rescheduled.
	LOST
)

func (s Status) String() string {
	switch s {
	case WAITING:
		return "WAITING"
	case SCHEDULED:
		return "SCHEDULED"
	case RUNNING:
		return "RUNNING"
	case DONE:
		return "DONE"
	case LOST:
		return "LOST"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// rank gives each status other than LOST its place in the monotone precedence
// order WAITING < SCHEDULED < RUNNING < DONE. LOST is handled separately: it
// can supersede any non-terminal status regardless of rank.
func (s Status) rank() int {
	switch s {
	case WAITING:
		return 0
	case SCHEDULED:
		return 1
	case RUNNING:
		return 2
	case DONE:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether s is a status the task does not leave on its own
// (DONE ends the happy path; LOST awaits a reconstruction-driven resubmit).
func (s Status) Terminal() bool { return s == DONE || s == LOST }

// CanTransition reports whether moving from s to next respects the monotone
// precedence rule of spec §3: concurrent writers resolve by status
// precedence, and LOST may supersede any non-terminal status. A transition to
// the same status is always allowed (idempotent write).
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if next == LOST {
		return s != DONE && s != LOST
	}
	if s == LOST {
		return false
	}
	return next.rank() > s.rank()
}

// CanReconstructFrom reports whether a task currently in status s is
// eligible for the reconstruction coordinator's special DONE→WAITING CAS.
// This is the one deliberate exception to CanTransition's monotone ordering:
// it fires only when an external fact (object eviction) proves the DONE
// status no longer reflects reality.
func CanReconstructFrom(s Status) bool { return s == DONE }

// Record is a task's mutable entry in the task table.
type Record struct {
	Spec   *taskspec.TaskSpec
	Status Status
	// Owner is the node id of the local scheduler responsible for running
	// (or re-running) this task.
	Owner string
}

// Copy returns a deep-enough copy of r safe for a caller to hold onto; Spec
// itself is immutable and shared, not copied.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
