// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// CommandSpawner launches worker subprocesses from the spec §6
// worker-command template, substituting %socket% with the per-worker socket
// path. This is the production Spawner; tests use a fake.
type CommandSpawner struct {
	// Template is the configured command line, e.g.
	// "python worker.py --socket %socket%".
	Template string
}

// Spawn substitutes socketPath into the template and starts the process.
func (s *CommandSpawner) Spawn(ctx context.Context, socketPath string) (Process, error) {
	line := strings.ReplaceAll(s.Template, "%socket%", socketPath)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("worker: empty worker-command template")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting %q: %w", fields[0], err)
	}
	return &execProcess{cmd: cmd}, nil
}

// execProcess adapts an *exec.Cmd to the Process interface, using gopsutil
// to probe liveness without relying on blocking Wait semantics.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Alive() bool {
	proc, err := process.NewProcess(int32(p.cmd.Process.Pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Signal(syscall.SIGKILL)
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
