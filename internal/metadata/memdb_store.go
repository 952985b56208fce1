// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package metadata

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/hashicorp/nomad-local-scheduler/internal/tasktable"
)

// taskRow is the memdb-indexable row for a task table entry; TaskId's fixed
// byte array isn't an indexable field type on its own, so it's mirrored into
// a hex string key the way nomad's state store indexes content-addressed ids.
type taskRow struct {
	Key    string
	ID     taskspec.TaskId
	Owner  string // mirrors Record.Owner; memdb's field indexer can't traverse nested structs
	Record tasktable.Record
}

type objectRow struct {
	Key       string
	ID        taskspec.ObjectId
	Locations []string
	Size      int64
	Hash      string
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"tasks": {
				Name: "tasks",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"owner": {
						Name:         "owner",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Owner"},
					},
				},
			},
			"objects": {
				Name: "objects",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
		},
	}
}

// MemStore is an in-process metadata store backed by go-memdb. It implements
// Client for tests, for the CLI's standalone mode, and as the reference
// adapter a production build would wrap around a real replicated
// key-value/pub-sub service (spec §4.4).
type MemStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	mu          sync.Mutex
	taskSubs    map[string][]func(taskspec.TaskId, tasktable.Record)
	objectSubs  map[string][]func(ObjectLocations)
}

// NewMemStore constructs an empty MemStore.
func NewMemStore(logger hclog.Logger) (*MemStore, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("metadata: building memdb: %w", err)
	}
	return &MemStore{
		logger:     logger.Named("metadata"),
		db:         db,
		taskSubs:   make(map[string][]func(taskspec.TaskId, tasktable.Record)),
		objectSubs: make(map[string][]func(ObjectLocations)),
	}, nil
}

func (m *MemStore) TaskTableAdd(id taskspec.TaskId, rec tasktable.Record, cb func(error)) {
	txn := m.db.Txn(true)
	row := &taskRow{Key: id.String(), ID: id, Owner: rec.Owner, Record: rec}
	if err := txn.Insert("tasks", row); err != nil {
		txn.Abort()
		cb(fmt.Errorf("metadata: task table add: %w", err))
		return
	}
	txn.Commit()
	m.notifyTask(id, rec)
	cb(nil)
}

func (m *MemStore) TaskTableUpdate(id taskspec.TaskId, expected, next tasktable.Status, cb func(bool, error)) {
	txn := m.db.Txn(true)
	raw, err := txn.First("tasks", "id", id.String())
	if err != nil {
		txn.Abort()
		cb(false, fmt.Errorf("metadata: task table update: %w", err))
		return
	}
	if raw == nil {
		txn.Abort()
		cb(false, fmt.Errorf("metadata: task table update: unknown task %s", id))
		return
	}
	row := raw.(*taskRow)
	if row.Record.Status != expected {
		txn.Abort()
		cb(false, nil) // CAS miss: another writer already moved it on.
		return
	}
	isReconstructCAS := next == tasktable.WAITING && tasktable.CanReconstructFrom(row.Record.Status)
	if !row.Record.Status.CanTransition(next) && !isReconstructCAS {
		txn.Abort()
		cb(false, fmt.Errorf("metadata: task table update: illegal transition %s -> %s", row.Record.Status, next))
		return
	}
	updated := row.Record
	updated.Status = next
	newRow := &taskRow{Key: row.Key, ID: row.ID, Owner: updated.Owner, Record: updated}
	if err := txn.Insert("tasks", newRow); err != nil {
		txn.Abort()
		cb(false, fmt.Errorf("metadata: task table update: %w", err))
		return
	}
	txn.Commit()
	m.notifyTask(id, updated)
	cb(true, nil)
}

func (m *MemStore) TaskTableGet(id taskspec.TaskId, cb func(*tasktable.Record, error)) {
	txn := m.db.Txn(false)
	raw, err := txn.First("tasks", "id", id.String())
	if err != nil {
		cb(nil, fmt.Errorf("metadata: task table get: %w", err))
		return
	}
	if raw == nil {
		cb(nil, nil)
		return
	}
	row := raw.(*taskRow)
	rec := row.Record
	cb(&rec, nil)
}

func (m *MemStore) ObjectTableAdd(oid taskspec.ObjectId, size int64, hash string, managerID string, cb func(error)) {
	txn := m.db.Txn(true)
	key := oid.String()
	raw, err := txn.First("objects", "id", key)
	if err != nil {
		txn.Abort()
		cb(fmt.Errorf("metadata: object table add: %w", err))
		return
	}
	row := &objectRow{Key: key, ID: oid, Size: size, Hash: hash}
	if raw != nil {
		row.Locations = append(row.Locations, raw.(*objectRow).Locations...)
	}
	if !containsStr(row.Locations, managerID) {
		row.Locations = append(row.Locations, managerID)
	}
	if err := txn.Insert("objects", row); err != nil {
		txn.Abort()
		cb(fmt.Errorf("metadata: object table add: %w", err))
		return
	}
	txn.Commit()
	m.notifyObject(oid, ObjectLocations{Locations: row.Locations, Size: row.Size, Hash: row.Hash})
	cb(nil)
}

func (m *MemStore) ObjectTableRemove(oid taskspec.ObjectId, managerID string, cb func(error)) {
	txn := m.db.Txn(true)
	key := oid.String()
	raw, err := txn.First("objects", "id", key)
	if err != nil {
		txn.Abort()
		cb(fmt.Errorf("metadata: object table remove: %w", err))
		return
	}
	if raw == nil {
		txn.Commit()
		cb(nil)
		return
	}
	old := raw.(*objectRow)
	row := &objectRow{Key: key, ID: oid, Size: old.Size, Hash: old.Hash}
	for _, loc := range old.Locations {
		if loc != managerID {
			row.Locations = append(row.Locations, loc)
		}
	}
	if err := txn.Insert("objects", row); err != nil {
		txn.Abort()
		cb(fmt.Errorf("metadata: object table remove: %w", err))
		return
	}
	txn.Commit()
	m.notifyObject(oid, ObjectLocations{Locations: row.Locations, Size: row.Size, Hash: row.Hash})
	cb(nil)
}

func (m *MemStore) ObjectTableLookup(oid taskspec.ObjectId, cb func(ObjectLocations, error)) {
	txn := m.db.Txn(false)
	raw, err := txn.First("objects", "id", oid.String())
	if err != nil {
		cb(ObjectLocations{}, fmt.Errorf("metadata: object table lookup: %w", err))
		return
	}
	if raw == nil {
		cb(ObjectLocations{}, nil)
		return
	}
	row := raw.(*objectRow)
	cb(ObjectLocations{Locations: row.Locations, Size: row.Size, Hash: row.Hash}, nil)
}

func (m *MemStore) SubscribeTaskTable(nodeID string, fn func(taskspec.TaskId, tasktable.Record)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskSubs[nodeID] = append(m.taskSubs[nodeID], fn)
	idx := len(m.taskSubs[nodeID]) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.taskSubs[nodeID]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

func (m *MemStore) SubscribeObjectTable(oid taskspec.ObjectId, fn func(ObjectLocations)) func() {
	key := oid.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectSubs[key] = append(m.objectSubs[key], fn)
	idx := len(m.objectSubs[key]) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.objectSubs[key]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

func (m *MemStore) notifyTask(id taskspec.TaskId, rec tasktable.Record) {
	m.mu.Lock()
	subs := append([]func(taskspec.TaskId, tasktable.Record){}, m.taskSubs[rec.Owner]...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(id, rec)
		}
	}
}

func (m *MemStore) notifyObject(oid taskspec.ObjectId, locs ObjectLocations) {
	key := oid.String()
	m.mu.Lock()
	subs := append([]func(ObjectLocations){}, m.objectSubs[key]...)
	m.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(locs)
		}
	}
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

var _ Client = (*MemStore)(nil)
