// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package objectstore is the Object-Store Client (spec §4.5): it turns the
// local object store's sealed/evicted notifications into the Queue Manager's
// object_available/object_removed events, and exposes fetch(oid) for the
// Reconstruction Coordinator.
package objectstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// Listener receives the two event streams a Client delivers.
type Listener struct {
	Added   func(oid taskspec.ObjectId)
	Removed func(oid taskspec.ObjectId)
}

// Fetcher pulls a remote copy of an object into local storage. Completion is
// observed indirectly: a successful fetch results in a later Added
// notification, mirroring spec §4.5 ("completion triggers object_added").
type Fetcher interface {
	Fetch(ctx context.Context, oid taskspec.ObjectId) error
}

// Client is the in-process broadcaster the engine wires to the Queue
// Manager and the Reconstruction Coordinator, modeled on nomad's
// AllocBroadcaster/AllocListener fan-out (client/allocwatcher): one producer
// goroutine feeds local object-store events; any number of listeners
// subscribe to the events that follow their subscription. transport is the local object-store IPC
// connection (spec §6) that FETCH is issued over; swappable for tests.
type Client struct {
	logger    hclog.Logger
	transport Fetcher

	mu        sync.Mutex
	listeners []*Listener
}

// New constructs a Client backed by transport, which supplies Fetch.
func New(logger hclog.Logger, transport Fetcher) *Client {
	return &Client{
		logger:    logger.Named("objectstore"),
		transport: transport,
	}
}

// Subscribe registers l to receive every future Added/Removed event.
func (c *Client) Subscribe(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Sealed is called by the engine's event loop when the local object store
// reports OBJECT_SEALED{oid}.
func (c *Client) Sealed(oid taskspec.ObjectId) {
	c.mu.Lock()
	ls := append([]*Listener{}, c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		if l.Added != nil {
			l.Added(oid)
		}
	}
}

// Evicted is called by the engine's event loop when the local object store
// reports OBJECT_EVICTED{oid}.
func (c *Client) Evicted(oid taskspec.ObjectId) {
	c.mu.Lock()
	ls := append([]*Listener{}, c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		if l.Removed != nil {
			l.Removed(oid)
		}
	}
}

// Fetch asks the object store to pull a remote copy of oid. Per spec §5,
// fetches carry no engine-level timeout; the store retries internally, so
// Fetch's error return reflects only whether the request was accepted, not
// whether the object ultimately arrives.
func (c *Client) Fetch(ctx context.Context, oid taskspec.ObjectId) error {
	if err := c.transport.Fetch(ctx, oid); err != nil {
		c.logger.Warn("fetch request failed", "object_id", oid, "error", err)
		return fmt.Errorf("objectstore: fetch %s: %w", oid, err)
	}
	return nil
}

var _ Fetcher = (*Client)(nil)
