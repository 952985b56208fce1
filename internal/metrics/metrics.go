// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package metrics emits the engine's gauges through armon/go-metrics, the
// same sink nomad's hookstats package writes to (client/allocrunner/hookstats).
package metrics

import (
	metrics "github.com/armon/go-metrics"
)

// Reporter periodically samples engine-owned components and emits gauges.
// Every Report* method is cheap and side-effect-free on the caller's state;
// the engine calls them from its own timer tick.
type Reporter struct {
	labels []metrics.Label
}

// New returns a Reporter tagging every gauge with nodeID.
func New(nodeID string) *Reporter {
	return &Reporter{labels: []metrics.Label{{Name: "node_id", Value: nodeID}}}
}

// ReportQueueDepths emits the waiting and dispatch queue lengths.
func (r *Reporter) ReportQueueDepths(waiting, dispatch int) {
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "queue", "waiting"}, float32(waiting), r.labels)
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "queue", "dispatch"}, float32(dispatch), r.labels)
}

// ReportLedger emits reserved and capacity scalars per resource kind.
func (r *Reporter) ReportLedger(reservedCPU, capacityCPU, reservedGPU, capacityGPU int) {
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "ledger", "cpu_reserved"}, float32(reservedCPU), r.labels)
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "ledger", "cpu_capacity"}, float32(capacityCPU), r.labels)
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "ledger", "gpu_reserved"}, float32(reservedGPU), r.labels)
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "ledger", "gpu_capacity"}, float32(capacityGPU), r.labels)
}

// ReportWorkers emits the spawned-but-unregistered and registered worker
// counts (spec §8 invariant 4).
func (r *Reporter) ReportWorkers(spawnedUnregistered, registered int) {
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "workers", "unregistered"}, float32(spawnedUnregistered), r.labels)
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "workers", "registered"}, float32(registered), r.labels)
}

// ReportReconstructionMapSize emits the live Reconstruction State Map size.
func (r *Reporter) ReportReconstructionMapSize(n int) {
	metrics.SetGaugeWithLabels([]string{"local_scheduler", "reconstruction", "pending"}, float32(n), r.labels)
}

// IncrTaskDone counts a completed task.
func (r *Reporter) IncrTaskDone() {
	metrics.IncrCounterWithLabels([]string{"local_scheduler", "task", "done"}, 1, r.labels)
}

// IncrTaskLost counts a task demoted to LOST.
func (r *Reporter) IncrTaskLost() {
	metrics.IncrCounterWithLabels([]string{"local_scheduler", "task", "lost"}, 1, r.labels)
}

// IncrReconstructCall counts an invocation of reconstruct(oid).
func (r *Reporter) IncrReconstructCall() {
	metrics.IncrCounterWithLabels([]string{"local_scheduler", "reconstruct", "calls"}, 1, r.labels)
}
