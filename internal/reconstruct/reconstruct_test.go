// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reconstruct

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad-local-scheduler/internal/metadata"
	"github.com/hashicorp/nomad-local-scheduler/internal/objectavail"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/hashicorp/nomad-local-scheduler/internal/tasktable"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	fetched []taskspec.ObjectId
}

func (f *fakeFetcher) Fetch(ctx context.Context, oid taskspec.ObjectId) error {
	f.fetched = append(f.fetched, oid)
	return nil
}

type fakeResubmitter struct {
	resubmitted []*taskspec.TaskSpec
}

func (f *fakeResubmitter) Resubmit(spec *taskspec.TaskSpec) error {
	f.resubmitted = append(f.resubmitted, spec)
	return nil
}

func mustSpec(t *testing.T, args []taskspec.ObjectId) *taskspec.TaskSpec {
	t.Helper()
	s, err := taskspec.New("f", args, 1, taskspec.ResourceDemand{CPU: 1}, taskspec.ActorId{})
	require.NoError(t, err)
	return s
}

func TestReconstruct_EvictedObject_CASWinsAndResubmits(t *testing.T) {
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	spec := mustSpec(t, nil)
	taskID, err := spec.ID()
	require.NoError(t, err)
	oid := spec.Returns(taskID)[0]

	rec := tasktable.Record{Spec: spec, Status: tasktable.DONE, Owner: "node-1"}
	addDone := make(chan struct{})
	store.TaskTableAdd(taskID, rec, func(err error) { require.NoError(t, err); close(addDone) })
	<-addDone

	fetcher := &fakeFetcher{}
	resub := &fakeResubmitter{}
	c := New(hclog.NewNullLogger(), "node-1", store, fetcher, resub, objectavail.New())
	c.RegisterProducer(taskID, spec)

	c.Reconstruct(context.Background(), oid)

	require.Empty(t, fetcher.fetched)
	require.Len(t, resub.resubmitted, 1)
	require.Equal(t, spec, resub.resubmitted[0])
	require.Equal(t, ReconstructionRequested, c.StateOf(oid))

	c.OnTaskDone(taskID)
	require.Equal(t, Idle, c.StateOf(oid))
}

func TestReconstruct_PresentObject_FetchesNoResubmit(t *testing.T) {
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	oid := taskspec.ObjectId{7}
	addDone := make(chan struct{})
	store.ObjectTableAdd(oid, 100, "hash", "manager-a", func(err error) {
		require.NoError(t, err)
		close(addDone)
	})
	<-addDone

	fetcher := &fakeFetcher{}
	resub := &fakeResubmitter{}
	c := New(hclog.NewNullLogger(), "node-1", store, fetcher, resub, objectavail.New())

	c.Reconstruct(context.Background(), oid)

	require.Equal(t, []taskspec.ObjectId{oid}, fetcher.fetched)
	require.Empty(t, resub.resubmitted)
	require.Equal(t, FetchRequested, c.StateOf(oid))

	c.OnObjectAvailable(oid)
	require.Equal(t, Idle, c.StateOf(oid))
}

func TestReconstruct_SuppressedWhenLocationAppearsDuringRace(t *testing.T) {
	// Mirrors spec §8 scenario 3: a location is registered for X, then the
	// producing task is submitted and assigned, then reconstruct(X) is
	// called. Because the object table already has a location, the CAS path
	// is never taken at all — fetch is issued instead and no extra queue
	// entry is created.
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	spec := mustSpec(t, nil)
	taskID, err := spec.ID()
	require.NoError(t, err)
	oid := spec.Returns(taskID)[0]

	addDone := make(chan struct{})
	store.ObjectTableAdd(oid, 1, "h", "manager-a", func(err error) {
		require.NoError(t, err)
		close(addDone)
	})
	<-addDone

	rec := tasktable.Record{Spec: spec, Status: tasktable.RUNNING, Owner: "node-1"}
	recDone := make(chan struct{})
	store.TaskTableAdd(taskID, rec, func(err error) { require.NoError(t, err); close(recDone) })
	<-recDone

	fetcher := &fakeFetcher{}
	resub := &fakeResubmitter{}
	c := New(hclog.NewNullLogger(), "node-1", store, fetcher, resub, objectavail.New())
	c.RegisterProducer(taskID, spec)

	c.Reconstruct(context.Background(), oid)

	require.Len(t, fetcher.fetched, 1)
	require.Empty(t, resub.resubmitted)
}

func TestReconstruct_InFlightTask_NoResubmit(t *testing.T) {
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	spec := mustSpec(t, nil)
	taskID, err := spec.ID()
	require.NoError(t, err)
	oid := spec.Returns(taskID)[0]

	rec := tasktable.Record{Spec: spec, Status: tasktable.RUNNING, Owner: "node-1"}
	addDone := make(chan struct{})
	store.TaskTableAdd(taskID, rec, func(err error) { require.NoError(t, err); close(addDone) })
	<-addDone

	fetcher := &fakeFetcher{}
	resub := &fakeResubmitter{}
	c := New(hclog.NewNullLogger(), "node-1", store, fetcher, resub, objectavail.New())
	c.RegisterProducer(taskID, spec)

	// Task is RUNNING, not DONE: reconstruct should no-op and leave Idle.
	c.Reconstruct(context.Background(), oid)
	require.Empty(t, resub.resubmitted)
	require.Equal(t, Idle, c.StateOf(oid))
}

func TestReconstruct_DuplicateCallsAreNoOpsWhileNotIdle(t *testing.T) {
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	oid := taskspec.ObjectId{9}
	addDone := make(chan struct{})
	store.ObjectTableAdd(oid, 1, "h", "manager-a", func(err error) {
		require.NoError(t, err)
		close(addDone)
	})
	<-addDone

	fetcher := &fakeFetcher{}
	c := New(hclog.NewNullLogger(), "node-1", store, fetcher, &fakeResubmitter{}, objectavail.New())

	c.Reconstruct(context.Background(), oid)
	c.Reconstruct(context.Background(), oid)
	require.Len(t, fetcher.fetched, 1)
}

func TestReconstruct_RecursiveChain_EveryTaskResubmittedOnce(t *testing.T) {
	// Mirrors spec §8 scenario 2: a chain T0..T9 where T_i consumes T_{i-1}'s
	// return, every return object created then evicted, every task DONE.
	// reconstruct() on T9's return must walk the whole chain and resubmit
	// every task exactly once, even though nothing ever runs a worker to
	// notice T0..T8's inputs are missing.
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	const chainLen = 10
	specs := make([]*taskspec.TaskSpec, chainLen)
	taskIDs := make([]taskspec.TaskId, chainLen)
	returns := make([]taskspec.ObjectId, chainLen)

	var args []taskspec.ObjectId
	for i := 0; i < chainLen; i++ {
		spec := mustSpec(t, args)
		id, err := spec.ID()
		require.NoError(t, err)
		specs[i] = spec
		taskIDs[i] = id
		returns[i] = spec.Returns(id)[0]
		args = []taskspec.ObjectId{returns[i]}
	}

	for i := 0; i < chainLen; i++ {
		rec := tasktable.Record{Spec: specs[i], Status: tasktable.DONE, Owner: "node-1"}
		done := make(chan struct{})
		store.TaskTableAdd(taskIDs[i], rec, func(err error) { require.NoError(t, err); close(done) })
		<-done
	}

	// Every return object was created then evicted: the object table has no
	// locations for any of them (the default), and the tracker never marks
	// them resident either.
	resub := &fakeResubmitter{}
	c := New(hclog.NewNullLogger(), "node-1", store, &fakeFetcher{}, resub, objectavail.New())
	for i := 0; i < chainLen; i++ {
		c.RegisterProducer(taskIDs[i], specs[i])
	}

	c.Reconstruct(context.Background(), returns[chainLen-1])

	require.Len(t, resub.resubmitted, chainLen)
	seen := make(map[taskspec.TaskId]int)
	for _, spec := range resub.resubmitted {
		id, err := spec.ID()
		require.NoError(t, err)
		seen[id]++
	}
	require.Len(t, seen, chainLen)
	for i := 0; i < chainLen; i++ {
		require.Equalf(t, 1, seen[taskIDs[i]], "task %d resubmitted %d times", i, seen[taskIDs[i]])
	}
}

func TestReconstruct_UnownedTask_LeavesToOwningNode(t *testing.T) {
	store, err := metadata.NewMemStore(hclog.NewNullLogger())
	require.NoError(t, err)

	oid := taskspec.ObjectId{11}
	resub := &fakeResubmitter{}
	c := New(hclog.NewNullLogger(), "node-1", store, &fakeFetcher{}, resub, objectavail.New())

	// No producer registered for oid at all: this node never saw the task.
	c.Reconstruct(context.Background(), oid)
	require.Empty(t, resub.resubmitted)
	require.Equal(t, Idle, c.StateOf(oid))
}
