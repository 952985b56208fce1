// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package main is the local scheduler's CLI entrypoint: it binds spec §6's
// configuration table to flags/env, wires a concrete Metadata-Store Client
// and Object-Store Client, and runs the engine until signaled, following
// nomad's command/agent.Command flags-then-config-then-env layering.
package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/nomad-local-scheduler/internal/config"
)

// AgentCommand implements cli.Command, binding spec §6's option table to
// flags and starting the engine in the foreground.
type AgentCommand struct {
	UI interface {
		Output(string)
		Error(string)
	}
}

func (c *AgentCommand) Synopsis() string {
	return "Runs the per-node local scheduler"
}

func (c *AgentCommand) Help() string {
	return strings.TrimSpace(`
Usage: local-scheduler agent [options]

  Starts the local scheduler's event loop: accepts worker connections,
  spawns the configured worker pool, and schedules submitted tasks against
  locally available objects.

Options:

  -node-ip-address=<addr>            IP advertised to the cluster.
  -object-store-name=<path>          Object-store IPC socket path.
  -object-store-manager-name=<path>  Object-store remote-fetch socket path.
  -local-scheduler-name=<path>       Worker socket bind path.
  -redis-address=<host:port>         Metadata-store address.
  -num-workers=<n>                   Initial worker pool size.
  -static-cpu=<n>                    Static CPU capacity.
  -static-gpu=<n>                    Static GPU capacity.
  -worker-command=<template>         Worker spawn command; %socket% is
                                      replaced with the worker's socket path.
  -log-level=<level>                 Logging level (default: info).
`)
}

func (c *AgentCommand) Run(args []string) int {
	var (
		logLevel string
		cfg      = config.Default()
	)

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.StringVar(&cfg.NodeIPAddress, "node-ip-address", cfg.NodeIPAddress, "")
	flags.StringVar(&cfg.ObjectStoreName, "object-store-name", cfg.ObjectStoreName, "")
	flags.StringVar(&cfg.ObjectStoreManagerName, "object-store-manager-name", cfg.ObjectStoreManagerName, "")
	flags.StringVar(&cfg.LocalSchedulerName, "local-scheduler-name", cfg.LocalSchedulerName, "")
	flags.StringVar(&cfg.RedisAddress, "redis-address", cfg.RedisAddress, "")
	flags.IntVar(&cfg.NumWorkers, "num-workers", cfg.NumWorkers, "")
	flags.IntVar(&cfg.StaticResources.CPU, "static-cpu", cfg.StaticResources.CPU, "")
	flags.IntVar(&cfg.StaticResources.GPU, "static-gpu", cfg.StaticResources.GPU, "")
	flags.StringVar(&cfg.WorkerCommand, "worker-command", cfg.WorkerCommand, "")
	flags.StringVar(&logLevel, "log-level", "info", "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.FromEnv(cfg)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		c.UI.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "local-scheduler",
		Level: hclog.LevelFromString(logLevel),
	})

	sink := metrics.NewInmemSink(10*time.Second, 60*time.Second)
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("local_scheduler"), sink); err != nil {
		logger.Warn("failed to install metrics sink", "error", err)
	}

	nodeID, err := uuid.GenerateUUID()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error generating node id: %s", err))
		return 1
	}

	if err := runAgent(logger, nodeID, cfg); err != nil {
		c.UI.Error(fmt.Sprintf("Error running agent: %s", err))
		return 1
	}
	return 0
}
