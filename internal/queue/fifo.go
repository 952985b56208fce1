// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package queue

import (
	"container/list"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// taskFIFO is an ordered queue of task ids with O(1) membership test and
// O(1) removal-by-id, the same index-plus-ordered-structure idiom the
// teacher's GC priority queue uses (an ordered collection paired with an
// id->position index so arbitrary removal doesn't require a scan).
type taskFIFO struct {
	order *list.List
	index map[taskspec.TaskId]*list.Element
}

func newTaskFIFO() *taskFIFO {
	return &taskFIFO{
		order: list.New(),
		index: make(map[taskspec.TaskId]*list.Element),
	}
}

func (q *taskFIFO) PushBack(id taskspec.TaskId) {
	if _, ok := q.index[id]; ok {
		return
	}
	q.index[id] = q.order.PushBack(id)
}

func (q *taskFIFO) Remove(id taskspec.TaskId) bool {
	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, id)
	return true
}

func (q *taskFIFO) Contains(id taskspec.TaskId) bool {
	_, ok := q.index[id]
	return ok
}

func (q *taskFIFO) Front() (taskspec.TaskId, bool) {
	el := q.order.Front()
	if el == nil {
		return taskspec.TaskId{}, false
	}
	return el.Value.(taskspec.TaskId), true
}

func (q *taskFIFO) Len() int { return q.order.Len() }

// Slice returns the queue contents in FIFO order, for tests and metrics.
func (q *taskFIFO) Slice() []taskspec.TaskId {
	out := make([]taskspec.TaskId, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(taskspec.TaskId))
	}
	return out
}
