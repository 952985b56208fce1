// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"golang.org/x/sync/errgroup"
)

// KillMode selects how Pool.Kill tears a worker down.
type KillMode int

const (
	// Graceful sends a terminate message and waits up to the pool's grace
	// timeout for a clean exit before escalating to Immediate.
	Graceful KillMode = iota
	// Immediate sends a kill signal directly.
	Immediate
)

// Process is the subset of process control the Pool needs from a spawned
// worker subprocess. The default implementation wraps os/exec.Cmd; tests
// supply a fake.
type Process interface {
	// PID returns the OS process id.
	PID() int
	// Alive reports whether the process is still running.
	Alive() bool
	// Terminate asks the process to exit cleanly (e.g. SIGTERM).
	Terminate() error
	// Kill forcibly ends the process (e.g. SIGKILL).
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
}

// Spawner launches a worker subprocess bound to the given socket path,
// substituting it into the configured worker-command template (spec §6).
type Spawner interface {
	Spawn(ctx context.Context, socketPath string) (Process, error)
}

// Deps are the engine-level callbacks the Pool invokes on state changes that
// ripple outside the worker's own lifecycle.
type Deps struct {
	// OnWorkerIdle is called whenever a worker becomes idle (including right
	// after registration), so the Queue Manager can try to dispatch to it.
	OnWorkerIdle func(*Client)

	// OnWorkerDied is called when a worker is killed or observed dead. If
	// the worker had a task assigned, TaskID/HasTask describe it so the
	// caller can credit resources back and mark the task LOST.
	OnWorkerDied func(w *Client, taskID taskspec.TaskId, hasTask bool)
}

// Pool owns every WorkerClient record and every spawned subprocess. All
// methods are called from the engine's single event-loop goroutine; the
// mutex guards the pool's maps against the spawn goroutines (SpawnInitial's
// bounded fan-out and replacement spawns after a death).
type Pool struct {
	logger  hclog.Logger
	spawner Spawner
	deps    Deps

	socketPathFor func(ID) string
	graceTimeout  time.Duration
	target        int

	mu       sync.Mutex
	clients  map[ID]*Client
	procs    map[ID]Process
	spawning map[ID]struct{} // spawned, not yet connected
}

// NewPool constructs a Pool. socketPathFor generates the per-worker socket
// path substituted into the worker-command template; target is the pool's
// desired live-worker count (spec §6 num-workers).
func NewPool(logger hclog.Logger, spawner Spawner, deps Deps, socketPathFor func(ID) string, target int, graceTimeout time.Duration) *Pool {
	return &Pool{
		logger:        logger.Named("worker_pool"),
		spawner:       spawner,
		deps:          deps,
		socketPathFor: socketPathFor,
		graceTimeout:  graceTimeout,
		target:        target,
		clients:       make(map[ID]*Client),
		procs:         make(map[ID]Process),
		spawning:      make(map[ID]struct{}),
	}
}

// newID mints a fresh worker id.
func newID() (ID, error) {
	s, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("worker: generating id: %w", err)
	}
	return ID(s), nil
}

// SpawnInitial spawns up to the pool's configured target, bounded by
// concurrency so a large num-workers doesn't fork-bomb the host.
func (p *Pool) SpawnInitial(ctx context.Context) error {
	p.mu.Lock()
	need := p.target - len(p.clients) - len(p.spawning)
	p.mu.Unlock()
	if need <= 0 {
		return nil
	}
	return p.spawnN(ctx, need)
}

func (p *Pool) spawnN(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < n; i++ {
		g.Go(func() error { return p.spawnOne(ctx) })
	}
	return g.Wait()
}

func (p *Pool) spawnOne(ctx context.Context) error {
	id, err := newID()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.spawning[id] = struct{}{}
	p.mu.Unlock()

	socketPath := p.socketPathFor(id)
	proc, err := p.spawner.Spawn(ctx, socketPath)
	if err != nil {
		p.mu.Lock()
		delete(p.spawning, id)
		p.mu.Unlock()
		return fmt.Errorf("worker: spawning worker %s: %w", id, err)
	}

	p.mu.Lock()
	delete(p.spawning, id)
	p.clients[id] = &Client{id: id, state: Spawned}
	p.procs[id] = proc
	p.mu.Unlock()

	p.logger.Debug("spawned worker", "worker_id", id, "pid", proc.PID())
	return nil
}

// Accept records a newly connected worker socket, transitioning its record
// from Spawned to Connected. Since spec §3 allows a connection to arrive
// before or independently of the pool's own spawn bookkeeping (an operator
// may attach workers out of band), Accept creates a fresh record when id is
// unknown.
func (p *Pool) Accept(id ID, conn net.Conn) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	if !ok {
		c = &Client{id: id}
		p.clients[id] = c
	}
	c.conn = conn
	c.state = Connected
	return c
}

// Register processes a REGISTER_WORKER message: it records the worker's pid
// and optional actor id and transitions it to Idle, from which point it is
// eligible for dispatch.
func (p *Pool) Register(id ID, pid int, actor taskspec.ActorId, hasActor bool) (*Client, error) {
	p.mu.Lock()
	c, ok := p.clients[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker: register: unknown worker %s", id)
	}
	if c.state != Connected {
		return nil, fmt.Errorf("worker: register: worker %s is %s, want connected", id, c.state)
	}
	c.pid = pid
	c.hasPID = true
	c.actorID = actor
	c.hasActor = hasActor
	c.state = Idle
	c.lastIdleAt = time.Now()

	if p.deps.OnWorkerIdle != nil {
		p.deps.OnWorkerIdle(c)
	}
	return c, nil
}

// Assign transitions a worker from Idle to Busy, recording the task it was
// given. Callers (the Queue Manager) are responsible for checking
// eligibility (plain vs. actor-bound) and debiting the ledger before calling
// this.
func (p *Pool) Assign(id ID, task taskspec.TaskId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	if !ok {
		return fmt.Errorf("worker: assign: unknown worker %s", id)
	}
	if c.state != Idle {
		return fmt.Errorf("worker: assign: worker %s is %s, want idle", id, c.state)
	}
	c.state = Busy
	c.currentTask = task
	c.hasTask = true
	return nil
}

// Completed transitions a worker from Busy back to Idle on TASK_DONE,
// clearing its assigned task.
func (p *Pool) Completed(id ID) (*Client, error) {
	p.mu.Lock()
	c, ok := p.clients[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("worker: completed: unknown worker %s", id)
	}
	if c.state != Busy {
		return nil, fmt.Errorf("worker: completed: worker %s is %s, want busy", id, c.state)
	}
	c.state = Idle
	c.hasTask = false
	c.lastIdleAt = time.Now()

	if p.deps.OnWorkerIdle != nil {
		p.deps.OnWorkerIdle(c)
	}
	return c, nil
}

// IdlePlainWorkers returns every idle, actor-unbound worker, ordered
// longest-idle first — the Queue Manager's assignment tie-break.
func (p *Pool) IdlePlainWorkers() []*Client {
	return p.idleWorkers(func(c *Client) bool { return c.IsIdlePlain() })
}

// IdleActorWorker returns the idle worker bound to the given actor, if any.
func (p *Pool) IdleActorWorker(actor taskspec.ActorId) (*Client, bool) {
	all := p.idleWorkers(func(c *Client) bool { return c.IsIdleForActor(actor) })
	if len(all) == 0 {
		return nil, false
	}
	return all[0], true
}

func (p *Pool) idleWorkers(pred func(*Client) bool) []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Client
	for _, c := range p.clients {
		if pred(c) {
			out = append(out, c)
		}
	}
	sortByIdleTime(out)
	return out
}

func sortByIdleTime(cs []*Client) {
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && cs[j-1].lastIdleAt.After(cs[j].lastIdleAt) {
			cs[j-1], cs[j] = cs[j], cs[j-1]
			j--
		}
	}
}

// Kill tears a worker down per the requested mode and guarantees that, after
// return, the worker is no longer present in the pool's internal
// collections. If the worker had a task in progress, Deps.OnWorkerDied is
// invoked with that task id so the caller can re-credit resources and mark
// the task LOST.
func (p *Pool) Kill(ctx context.Context, id ID, mode KillMode) error {
	p.mu.Lock()
	c, ok := p.clients[id]
	proc := p.procs[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	var result error
	if proc != nil {
		if err := p.killProcess(ctx, proc, mode); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	p.finalizeDeath(c)
	return result
}

// HandleDisconnect is called when the event loop observes a worker's
// DISCONNECT message or its socket closing; the engine logs and drops a
// malformed message without calling it. It performs the same bookkeeping as
// Kill, and sends the pool-spawned process (if any) an immediate kill whose
// error is ignored, since the process may already have exited.
func (p *Pool) HandleDisconnect(id ID) {
	p.mu.Lock()
	c, ok := p.clients[id]
	proc := p.procs[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	if proc != nil {
		_ = proc.Kill()
	}
	p.finalizeDeath(c)
}

func (p *Pool) killProcess(ctx context.Context, proc Process, mode KillMode) error {
	if mode == Immediate {
		return proc.Kill()
	}

	if err := proc.Terminate(); err != nil {
		return proc.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timer := time.NewTimer(p.graceTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return proc.Kill()
	case <-ctx.Done():
		return proc.Kill()
	}
}

// finalizeDeath removes the worker from every internal collection, invokes
// the died callback, and — if the pool is below its target live count —
// spawns a replacement.
func (p *Pool) finalizeDeath(c *Client) {
	p.mu.Lock()
	taskID, hasTask := c.currentTask, c.hasTask
	c.state = Dead
	delete(p.clients, c.id)
	delete(p.procs, c.id)
	below := len(p.clients)+len(p.spawning) < p.target
	p.mu.Unlock()

	if p.deps.OnWorkerDied != nil {
		p.deps.OnWorkerDied(c, taskID, hasTask)
	}

	if below {
		go func() {
			if err := p.spawnOne(context.Background()); err != nil {
				p.logger.Warn("failed to spawn replacement worker", "error", err)
			}
		}()
	}
}

// Counts reports the pool's size along the spec §8 worker-count invariant:
// spawned-but-unregistered count and registered count. A worker counts as
// registered once it has a confirmed pid (i.e. REGISTER_WORKER has been
// processed), not merely once its socket has been accepted — so between
// Accept and Register a worker still counts as spawned/unregistered here.
// This differs from spec §8 scenario 6's literal wording at that exact
// mid-sequence point ("registered=4, spawned (unmatched) still 4" right
// after accepting four connections, before any REGISTER_WORKER); the
// worker-count boundary invariant of spec §8.4 still holds throughout.
func (p *Pool) Counts() (spawnedUnregistered, registered int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if c.hasPID {
			registered++
		} else {
			spawnedUnregistered++
		}
	}
	spawnedUnregistered += len(p.spawning)
	return spawnedUnregistered, registered
}

// AllWorkers returns every worker currently known to the pool, for metrics
// and introspection.
func (p *Pool) AllWorkers() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// SetTarget changes the pool's desired live-worker count. A lower target
// only takes effect as workers die and aren't replaced; a higher target is
// not retroactively filled until the next SpawnInitial call.
func (p *Pool) SetTarget(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = target
}

// FindByPID returns the worker id of the spawned process with the given OS
// pid, if any. The engine uses this to correlate an incoming connection's
// REGISTER_WORKER message (which only carries a pid, per spec §6) back to
// the id minted when the process was spawned.
func (p *Pool) FindByPID(pid int) (ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, proc := range p.procs {
		if proc.PID() == pid {
			return id, true
		}
	}
	return "", false
}

// Get returns the client record for id, if present.
func (p *Pool) Get(id ID) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return c, ok
}
