// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package objectstore

import (
	"context"
	"sync"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// FakeFetcher records Fetch calls without touching any real transport, for
// use by this package's tests and the engine's.
type FakeFetcher struct {
	mu      sync.Mutex
	fetched []taskspec.ObjectId
	err     error
}

// NewFakeFetcher returns an empty FakeFetcher.
func NewFakeFetcher() *FakeFetcher { return &FakeFetcher{} }

// SetErr makes every subsequent Fetch call return err.
func (f *FakeFetcher) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeFetcher) Fetch(ctx context.Context, oid taskspec.ObjectId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, oid)
	return f.err
}

// Fetched returns every oid Fetch has been called with, in call order.
func (f *FakeFetcher) Fetched() []taskspec.ObjectId {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]taskspec.ObjectId, len(f.fetched))
	copy(out, f.fetched)
	return out
}
