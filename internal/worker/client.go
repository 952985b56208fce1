// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker owns the pool of worker subprocesses: spawning them,
// tracking their connections and registration, assigning tasks to them, and
// reaping them on kill or crash.
package worker

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// State is a WorkerClient's position in its lifecycle, per spec §3:
// SPAWNED -> CONNECTED -> REGISTERED -> (IDLE <-> BUSY) -> DEAD. The Pool
// moves a worker from Connected straight to Idle when it registers; no Pool
// method sets Registered.
type State int

const (
	Spawned State = iota
	Connected
	Registered
	Idle
	Busy
	Dead
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ID identifies a WorkerClient for the lifetime of its process/connection.
type ID string

// Client is the engine's record of a single worker subprocess. Invariant
// (spec §3): a socket exists iff the worker is connected; a pid exists iff
// it has sent its registration message.
type Client struct {
	id    ID
	conn  net.Conn // nil until Connected
	pid   int
	hasPID bool

	actorID  taskspec.ActorId
	hasActor bool

	state State

	currentTask taskspec.TaskId
	hasTask     bool

	// lastIdleAt is used by the Queue Manager's assignment tie-break: among
	// equally eligible idle workers, prefer the longest-idle one.
	lastIdleAt time.Time
}

// ID returns the worker's stable identifier.
func (c *Client) ID() ID { return c.id }

// State returns the worker's current lifecycle state.
func (c *Client) State() State { return c.state }

// PID returns the worker's process id and whether it has been observed yet
// (it is only known after the worker sends REGISTER_WORKER).
func (c *Client) PID() (int, bool) { return c.pid, c.hasPID }

// ActorID returns the worker's bound actor, if any.
func (c *Client) ActorID() (taskspec.ActorId, bool) { return c.actorID, c.hasActor }

// CurrentTask returns the task id currently assigned to this worker, if any.
func (c *Client) CurrentTask() (taskspec.TaskId, bool) { return c.currentTask, c.hasTask }

// IsIdlePlain reports whether the worker is idle and unbound to any actor —
// eligible to accept any plain task.
func (c *Client) IsIdlePlain() bool { return c.state == Idle && !c.hasActor }

// IsIdleForActor reports whether the worker is idle and bound to the given
// actor.
func (c *Client) IsIdleForActor(actor taskspec.ActorId) bool {
	return c.state == Idle && c.hasActor && c.actorID == actor
}

// LastIdleAt returns the timestamp the worker most recently became idle,
// used to break assignment ties in favor of the longest-idle worker.
func (c *Client) LastIdleAt() time.Time { return c.lastIdleAt }

// Conn returns the worker's socket, or nil if it has not connected.
func (c *Client) Conn() net.Conn { return c.conn }
