// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad-local-scheduler/internal/config"
	"github.com/hashicorp/nomad-local-scheduler/internal/engine"
	"github.com/hashicorp/nomad-local-scheduler/internal/metadata"
)

// runAgent wires a concrete Metadata-Store Client (an in-process go-memdb
// store; spec §1 treats the replicated metadata store as an external
// collaborator, so this binary's standalone mode substitutes an in-memory
// stand-in rather than requiring a live cluster) and a real Object-Store
// Client, then drains the engine's event loop until an interrupt or
// terminate signal arrives.
func runAgent(logger hclog.Logger, nodeID string, cfg config.Config) error {
	meta, err := metadata.NewMemStore(logger)
	if err != nil {
		return fmt.Errorf("agent: starting metadata store: %w", err)
	}

	eng, err := engine.New(logger, nodeID, cfg, meta)
	if err != nil {
		return fmt.Errorf("agent: starting engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("local scheduler starting",
		"node_id", nodeID,
		"local_scheduler_name", cfg.LocalSchedulerName,
		"num_workers", cfg.NumWorkers,
	)

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent: engine exited: %w", err)
	}
	return nil
}
