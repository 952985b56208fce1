// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package taskspec defines the immutable task and object-id primitives the
// rest of the local scheduler is built on: a TaskSpec is a content-addressed
// description of a unit of deferred computation, and an ObjectId names one of
// its (or any other task's) return values deterministically.
package taskspec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/mitchellh/hashstructure"
)

// IDLength is the width, in bytes, of a TaskId or ObjectId.
const IDLength = 20

// TaskId uniquely identifies a TaskSpec. It is a deterministic function of
// the spec's contents: two specs with byte-identical serialized payloads
// produce the same TaskId.
type TaskId [IDLength]byte

func (t TaskId) String() string { return hex.EncodeToString(t[:]) }

// IsZero reports whether t is the zero value, used to represent "no task"
// in optional fields.
func (t TaskId) IsZero() bool { return t == TaskId{} }

// ObjectId names a single value produced by a task. The id of a task's k-th
// return value is a deterministic function of the task id and k, computed by
// ReturnObjectId, so that remote consumers can name a return value before the
// task that produces it has even run.
type ObjectId [IDLength]byte

func (o ObjectId) String() string { return hex.EncodeToString(o[:]) }

func (o ObjectId) IsZero() bool { return o == ObjectId{} }

// ResourceDemand is a scalar resource vector. The zero value demands nothing.
type ResourceDemand struct {
	CPU int
	GPU int
}

// Add returns the component-wise sum of d and other.
func (d ResourceDemand) Add(other ResourceDemand) ResourceDemand {
	return ResourceDemand{CPU: d.CPU + other.CPU, GPU: d.GPU + other.GPU}
}

// Sub returns the component-wise difference d - other.
func (d ResourceDemand) Sub(other ResourceDemand) ResourceDemand {
	return ResourceDemand{CPU: d.CPU - other.CPU, GPU: d.GPU - other.GPU}
}

// FitsIn reports whether d can be carved out of capacity without any
// component going negative.
func (d ResourceDemand) FitsIn(capacity ResourceDemand) bool {
	return d.CPU <= capacity.CPU && d.GPU <= capacity.GPU
}

// IsNonNegative reports whether every component of d is >= 0.
func (d ResourceDemand) IsNonNegative() bool {
	return d.CPU >= 0 && d.GPU >= 0
}

// ActorId identifies a stateful actor. The zero value means "no actor" —
// the task is a plain, stateless task.
type ActorId [IDLength]byte

func (a ActorId) IsZero() bool { return a == ActorId{} }

func (a ActorId) String() string { return hex.EncodeToString(a[:]) }

// TaskSpec is the immutable, content-identified description of a unit of
// deferred work. Equality is byte-wise over the serialized payload; two
// TaskSpecs built from identical fields hash to the same TaskId.
type TaskSpec struct {
	// Function is an opaque identifier for the code to execute; the engine
	// never interprets it, only forwards it to the worker.
	Function string

	// Args is the ordered list of argument object ids the task consumes.
	Args []ObjectId

	// NumReturns is the number of values the task produces. Return object
	// ids are derived, never stored directly on the spec.
	NumReturns int

	// Resources is the scalar resource demand the Resource Ledger debits on
	// assignment.
	Resources ResourceDemand

	// ActorId is non-zero for a task bound to a specific stateful actor's
	// worker; zero for a plain task that any idle worker may run.
	ActorId ActorId

	// id caches the derived TaskId so repeated calls to ID() don't rehash.
	id     TaskId
	idOnce bool
}

// New builds a TaskSpec and computes its TaskId. The returned spec is ready
// to submit; callers must not mutate Args after this call, since doing so
// would desynchronize the cached id from the spec's contents.
func New(function string, args []ObjectId, numReturns int, resources ResourceDemand, actor ActorId) (*TaskSpec, error) {
	if numReturns < 0 {
		return nil, fmt.Errorf("taskspec: numReturns must be >= 0, got %d", numReturns)
	}
	if !resources.IsNonNegative() {
		return nil, fmt.Errorf("taskspec: resource demand must be non-negative, got %+v", resources)
	}
	argsCopy := make([]ObjectId, len(args))
	copy(argsCopy, args)
	s := &TaskSpec{
		Function:   function,
		Args:       argsCopy,
		NumReturns: numReturns,
		Resources:  resources,
		ActorId:    actor,
	}
	if _, err := s.ID(); err != nil {
		return nil, err
	}
	return s, nil
}

// hashable is the byte-wise-equality payload TaskId is derived from. It
// excludes the memoization fields of TaskSpec.
type hashable struct {
	Function   string
	Args       []ObjectId
	NumReturns int
	Resources  ResourceDemand
	ActorId    ActorId
}

// ID returns the TaskSpec's deterministic TaskId, computing and caching it on
// first call.
func (s *TaskSpec) ID() (TaskId, error) {
	if s.idOnce {
		return s.id, nil
	}
	h, err := hashstructure.Hash(hashable{
		Function:   s.Function,
		Args:       s.Args,
		NumReturns: s.NumReturns,
		Resources:  s.Resources,
		ActorId:    s.ActorId,
	}, nil)
	if err != nil {
		return TaskId{}, fmt.Errorf("taskspec: hashing spec: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	sum := sha256.Sum256(buf[:])
	copy(s.id[:], sum[:IDLength])
	s.idOnce = true
	return s.id, nil
}

// ReturnObjectId deterministically derives the object id of the task's k-th
// return value (0-indexed). Implementations across the cluster must agree on
// this derivation so that a consumer can name a return value before the
// producing task has run.
func ReturnObjectId(task TaskId, k int) ObjectId {
	var buf [IDLength + 8]byte
	copy(buf[:IDLength], task[:])
	binary.BigEndian.PutUint64(buf[IDLength:], uint64(k))
	sum := sha256.Sum256(buf[:])
	var oid ObjectId
	copy(oid[:], sum[:IDLength])
	return oid
}

// Returns computes the full list of return object ids for s, given its own
// TaskId.
func (s *TaskSpec) Returns(task TaskId) []ObjectId {
	out := make([]ObjectId, s.NumReturns)
	for k := range out {
		out[k] = ReturnObjectId(task, k)
	}
	return out
}

// Equal reports whether two specs are byte-wise equal over their hashable
// payload — i.e. whether they'd produce the same TaskId.
func (s *TaskSpec) Equal(other *TaskSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	idA, errA := s.ID()
	idB, errB := other.ID()
	return errA == nil && errB == nil && idA == idB
}
