// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package engine is the single-threaded event loop of spec §2/§5: it owns
// every other component (Queue Manager, Worker Pool, Reconstruction
// Coordinator, Metadata-Store Client, Object-Store Client, IPC listener) and
// is the only place their callbacks are invoked from, modeled on nomad's
// client.Client — the top-level struct that wires every subsystem onto one
// goroutine's worth of channels.
package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/nomad-local-scheduler/internal/config"
	"github.com/hashicorp/nomad-local-scheduler/internal/ipc"
	"github.com/hashicorp/nomad-local-scheduler/internal/ledger"
	"github.com/hashicorp/nomad-local-scheduler/internal/metadata"
	"github.com/hashicorp/nomad-local-scheduler/internal/metrics"
	"github.com/hashicorp/nomad-local-scheduler/internal/objectavail"
	"github.com/hashicorp/nomad-local-scheduler/internal/objectstore"
	"github.com/hashicorp/nomad-local-scheduler/internal/queue"
	"github.com/hashicorp/nomad-local-scheduler/internal/reconstruct"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/hashicorp/nomad-local-scheduler/internal/worker"
)

// metricsInterval is how often the engine samples its own components onto
// the metrics Reporter.
const metricsInterval = 5 * time.Second

// Engine ties every component to a single goroutine: Run's own loop is the
// only place that calls into the Queue Manager, Worker Pool, or
// Reconstruction Coordinator. Every other goroutine (the IPC accept/read
// loops, the object-store pump) only ever posts a closure onto cmds.
type Engine struct {
	logger hclog.Logger
	nodeID string
	cfg    config.Config

	tracker  *objectavail.Tracker
	ledger   *ledger.Ledger
	pool     *worker.Pool
	queueMgr *queue.Manager
	coord    *reconstruct.Coordinator
	meta     metadata.Client
	store    *objectstore.Client
	reporter *metrics.Reporter
	ln       *ipc.Listener

	runCtx context.Context
	cmds   chan func()

	// connPending holds sockets accepted but not yet REGISTER_WORKER'd.
	connPending map[ipc.ConnID]net.Conn
	// connToWorker maps a connection to the worker id it registered as, once
	// known, so later frames and OnClose route to the right Pool entry.
	connToWorker map[ipc.ConnID]worker.ID
}

// New builds a production Engine: worker subprocesses are launched from
// cfg.WorkerCommand, and the object store is a real IPC socket at
// cfg.ObjectStoreName.
func New(logger hclog.Logger, nodeID string, cfg config.Config, meta metadata.Client) (*Engine, error) {
	transport, err := objectstore.DialSocketTransport(logger, "unix", cfg.ObjectStoreName)
	if err != nil {
		return nil, fmt.Errorf("engine: dialing object store: %w", err)
	}
	store := objectstore.New(logger, transport)

	e, err := build(logger, nodeID, cfg, meta, &worker.CommandSpawner{Template: cfg.WorkerCommand}, store)
	if err != nil {
		return nil, err
	}

	go func() {
		onSealed := func(oid taskspec.ObjectId) { e.post(func() { e.store.Sealed(oid) }) }
		onEvicted := func(oid taskspec.ObjectId) { e.post(func() { e.store.Evicted(oid) }) }
		if err := transport.Pump(onSealed, onEvicted); err != nil {
			e.logger.Warn("object store pump ended", "error", err)
		}
	}()

	return e, nil
}

// NewForTest builds an Engine with an injected worker spawner and
// object-store client, so tests can exercise the full event loop without
// spawning real subprocesses or dialing a real object-store socket.
func NewForTest(logger hclog.Logger, nodeID string, cfg config.Config, meta metadata.Client, spawner worker.Spawner, store *objectstore.Client) (*Engine, error) {
	return build(logger, nodeID, cfg, meta, spawner, store)
}

func build(logger hclog.Logger, nodeID string, cfg config.Config, meta metadata.Client, spawner worker.Spawner, store *objectstore.Client) (*Engine, error) {
	e := &Engine{
		logger:       logger.Named("engine"),
		nodeID:       nodeID,
		cfg:          cfg,
		tracker:      objectavail.New(),
		ledger:       ledger.New(cfg.StaticResources),
		meta:         meta,
		store:        store,
		reporter:     metrics.New(nodeID),
		cmds:         make(chan func(), 256),
		connPending:  make(map[ipc.ConnID]net.Conn),
		connToWorker: make(map[ipc.ConnID]worker.ID),
	}

	deps := worker.Deps{
		OnWorkerIdle: func(c *worker.Client) { e.queueMgr.OnWorkerIdle(c) },
		OnWorkerDied: func(c *worker.Client, taskID taskspec.TaskId, hasTask bool) {
			e.queueMgr.OnWorkerDied(taskID, hasTask)
			if hasTask {
				e.reporter.IncrTaskLost()
			}
		},
	}
	// Every worker dials the same socket; REGISTER_WORKER carries only a pid
	// (spec §6), so the engine correlates connections to Pool-minted worker
	// ids by pid (see handleRegister) rather than by socket path.
	socketPathFor := func(worker.ID) string { return cfg.LocalSchedulerName }
	e.pool = worker.NewPool(logger, spawner, deps, socketPathFor, cfg.NumWorkers, 5*time.Second)

	e.queueMgr = queue.New(logger, nodeID, e.tracker, e.ledger, e.pool, meta, e.sendTask)
	e.coord = reconstruct.New(logger, nodeID, meta, store, e.queueMgr, e.tracker)

	store.Subscribe(&objectstore.Listener{
		Added: func(oid taskspec.ObjectId) {
			e.tracker.Add(oid)
			e.queueMgr.OnObjectAvailable(oid)
			e.coord.OnObjectAvailable(oid)
		},
		Removed: func(oid taskspec.ObjectId) {
			e.tracker.Remove(oid)
			e.queueMgr.OnObjectRemoved(oid)
		},
	})

	ln, err := ipc.Listen(logger, "unix", cfg.LocalSchedulerName, e)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.ln = ln

	return e, nil
}

// sendTask is the Queue Manager's SendFunc: it looks up the worker's socket
// and writes an EXECUTE_TASK frame.
func (e *Engine) sendTask(w worker.ID, spec *taskspec.TaskSpec, id taskspec.TaskId) error {
	c, ok := e.pool.Get(w)
	if !ok {
		return fmt.Errorf("engine: send task %s: unknown worker %s", id, w)
	}
	conn := c.Conn()
	if conn == nil {
		return fmt.Errorf("engine: send task %s: worker %s has no connection", id, w)
	}
	return ipc.WriteFrameTo(conn, ipc.ExecuteTask, ipc.ToTaskPayload(spec))
}

// post hands f to the event loop. Every Handler method and every
// object-store notification reaches engine state exclusively through this.
func (e *Engine) post(f func()) {
	e.cmds <- f
}

// Run starts accepting worker connections, spawns the initial worker pool,
// and drains the event loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx

	go func() {
		if err := e.ln.Serve(); err != nil {
			e.logger.Debug("ipc listener stopped", "error", err)
		}
	}()

	if err := e.pool.SpawnInitial(ctx); err != nil {
		e.logger.Warn("failed to spawn initial worker pool", "error", err)
	}

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.ln.Close()
			return ctx.Err()
		case f := <-e.cmds:
			f()
		case <-ticker.C:
			e.reportMetrics()
		}
	}
}

func (e *Engine) reportMetrics() {
	e.reporter.ReportQueueDepths(e.queueMgr.WaitingLen(), e.queueMgr.DispatchLen())
	reserved, capacity := e.ledger.Reserved(), e.ledger.Capacity()
	e.reporter.ReportLedger(reserved.CPU, capacity.CPU, reserved.GPU, capacity.GPU)
	unregistered, registered := e.pool.Counts()
	e.reporter.ReportWorkers(unregistered, registered)
	e.reporter.ReportReconstructionMapSize(e.coord.PendingCount())
}

// OnConnect implements ipc.Handler.
func (e *Engine) OnConnect(id ipc.ConnID, conn net.Conn) {
	e.post(func() { e.connPending[id] = conn })
}

// OnFrame implements ipc.Handler.
func (e *Engine) OnFrame(id ipc.ConnID, frame ipc.Frame) {
	e.post(func() { e.handleFrame(id, frame) })
}

// OnClose implements ipc.Handler.
func (e *Engine) OnClose(id ipc.ConnID) {
	e.post(func() { e.handleClose(id) })
}

var _ ipc.Handler = (*Engine)(nil)

func (e *Engine) handleFrame(id ipc.ConnID, frame ipc.Frame) {
	switch frame.Type {
	case ipc.RegisterWorker:
		e.handleRegister(id, frame)
	case ipc.SubmitTask:
		e.handleSubmit(id, frame)
	case ipc.TaskDone:
		e.handleTaskDone(id)
	case ipc.ReconstructObject:
		e.handleReconstruct(frame)
	case ipc.GetTask, ipc.NotifyUnblocked:
		// No-op: this engine assigns tasks eagerly the moment a worker goes
		// idle (Queue Manager's try_dispatch), so a worker never needs to
		// poll for one, and nested ray.get unblock notifications don't
		// change any scheduling decision this engine makes.
	case ipc.Disconnect:
		e.handleDisconnect(id)
	default:
		e.logger.Warn("unknown message type", "conn_id", id, "type", frame.Type)
	}
}

func (e *Engine) handleRegister(id ipc.ConnID, frame ipc.Frame) {
	var payload ipc.RegisterWorkerPayload
	if err := ipc.DecodePayload(frame.Payload, &payload); err != nil {
		e.logger.Warn("malformed REGISTER_WORKER", "conn_id", id, "error", err)
		return
	}
	conn, ok := e.connPending[id]
	if !ok {
		e.logger.Warn("REGISTER_WORKER from unknown connection", "conn_id", id)
		return
	}

	wid, ok := e.pool.FindByPID(payload.PID)
	if !ok {
		// Not a worker this pool spawned (e.g. attached out of band); mint a
		// fresh id for it rather than refusing the connection (spec §3
		// allows this).
		fresh, err := uuid.GenerateUUID()
		if err != nil {
			e.logger.Warn("failed to mint id for unspawned worker", "pid", payload.PID, "error", err)
			return
		}
		wid = worker.ID(fresh)
	}

	e.pool.Accept(wid, conn)
	if _, err := e.pool.Register(wid, payload.PID, payload.ActorId, payload.HasActor); err != nil {
		e.logger.Warn("worker registration failed", "worker_id", wid, "error", err)
		return
	}
	delete(e.connPending, id)
	e.connToWorker[id] = wid
}

func (e *Engine) handleSubmit(id ipc.ConnID, frame ipc.Frame) {
	var payload ipc.TaskPayload
	if err := ipc.DecodePayload(frame.Payload, &payload); err != nil {
		e.logger.Warn("malformed SUBMIT_TASK", "conn_id", id, "error", err)
		return
	}
	spec, err := payload.ToTaskSpec()
	if err != nil {
		e.logger.Warn("invalid task spec in SUBMIT_TASK", "conn_id", id, "error", err)
		return
	}
	taskID, err := e.queueMgr.Submit(spec)
	if err != nil {
		e.logger.Warn("task submit failed", "conn_id", id, "error", err)
		return
	}
	e.coord.RegisterProducer(taskID, spec)
}

func (e *Engine) handleTaskDone(id ipc.ConnID) {
	wid, ok := e.connToWorker[id]
	if !ok {
		e.logger.Warn("TASK_DONE from unregistered connection", "conn_id", id)
		return
	}
	c, ok := e.pool.Get(wid)
	if !ok {
		return
	}
	taskID, hasTask := c.CurrentTask()
	if !hasTask {
		e.logger.Warn("TASK_DONE from worker with no assigned task", "worker_id", wid)
		return
	}
	if err := e.queueMgr.OnTaskDone(taskID); err != nil {
		e.logger.Warn("task done handling failed", "task_id", taskID, "error", err)
		return
	}
	e.coord.OnTaskDone(taskID)
	e.reporter.IncrTaskDone()
}

func (e *Engine) handleReconstruct(frame ipc.Frame) {
	var payload ipc.ReconstructObjectPayload
	if err := ipc.DecodePayload(frame.Payload, &payload); err != nil {
		e.logger.Warn("malformed RECONSTRUCT_OBJECT", "error", err)
		return
	}
	e.reporter.IncrReconstructCall()
	e.coord.Reconstruct(e.runCtx, payload.ObjectId)
}

func (e *Engine) handleDisconnect(id ipc.ConnID) {
	if wid, ok := e.connToWorker[id]; ok {
		e.pool.HandleDisconnect(wid)
	}
}

func (e *Engine) handleClose(id ipc.ConnID) {
	delete(e.connPending, id)
	if wid, ok := e.connToWorker[id]; ok {
		delete(e.connToWorker, id)
		e.pool.HandleDisconnect(wid)
	}
}

// WaitingLen, DispatchLen, and Reconstructing expose engine-level
// introspection for tests driving the full event loop through its IPC
// socket rather than the Queue Manager directly.
func (e *Engine) WaitingLen() int { return e.queueMgr.WaitingLen() }

func (e *Engine) DispatchLen() int { return e.queueMgr.DispatchLen() }

func (e *Engine) Reconstructing(oid taskspec.ObjectId) reconstruct.State { return e.coord.StateOf(oid) }

// Addr returns the worker socket's bound address.
func (e *Engine) Addr() net.Addr { return e.ln.Addr() }

// InjectObjectSealed and InjectObjectEvicted post an object-store
// notification onto the event loop, exactly as the production pump goroutine
// does after decoding a frame off the real object-store socket. Tests that
// don't wire a real object-store socket use these to simulate its events.
func (e *Engine) InjectObjectSealed(oid taskspec.ObjectId) {
	e.post(func() { e.store.Sealed(oid) })
}

func (e *Engine) InjectObjectEvicted(oid taskspec.ObjectId) {
	e.post(func() { e.store.Evicted(oid) })
}
