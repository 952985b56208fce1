// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"sync"
	"sync/atomic"
)

// FakeProcess is a Process that never touches a real OS process, for use by
// this package's own tests and by other packages' tests that need a Pool
// without spawning anything. Exported the way nomad exposes
// allocrunner.TestAllocRunnerFromAlloc for cross-package test construction.
type FakeProcess struct {
	pid    int
	mu     sync.Mutex
	alive  bool
	waitCh chan error
}

// NewFakeProcess returns a FakeProcess reporting the given pid.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{pid: pid, alive: true, waitCh: make(chan error, 1)}
}

func (f *FakeProcess) PID() int { return f.pid }

func (f *FakeProcess) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *FakeProcess) Terminate() error {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
	select {
	case f.waitCh <- nil:
	default:
	}
	return nil
}

func (f *FakeProcess) Kill() error { return f.Terminate() }

func (f *FakeProcess) Wait() error { return <-f.waitCh }

// FakeSpawner is a Spawner that hands out FakeProcesses, for tests.
type FakeSpawner struct {
	nextPID int64
}

// NewFakeSpawner returns an empty FakeSpawner.
func NewFakeSpawner() *FakeSpawner { return &FakeSpawner{} }

func (s *FakeSpawner) Spawn(ctx context.Context, socketPath string) (Process, error) {
	pid := int(atomic.AddInt64(&s.nextPID, 1))
	return NewFakeProcess(pid), nil
}
