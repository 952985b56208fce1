// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config defines the local scheduler's configuration surface (spec
// §6): every option the engine needs, settable by CLI flag or environment
// variable, enumerated rather than free-form.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// Config is the fully resolved set of options spec §6 enumerates.
type Config struct {
	// NodeIPAddress is the IP advertised to the rest of the cluster.
	NodeIPAddress string
	// ObjectStoreName is the path to the object-store IPC socket.
	ObjectStoreName string
	// ObjectStoreManagerName is the path to the object-store's remote-fetch
	// socket.
	ObjectStoreManagerName string
	// LocalSchedulerName is the path at which the engine binds its worker
	// socket.
	LocalSchedulerName string
	// RedisAddress is host:port of the metadata store.
	RedisAddress string
	// NumWorkers is the initial worker pool size.
	NumWorkers int
	// StaticResources is the node's scalar resource capacity.
	StaticResources taskspec.ResourceDemand
	// WorkerCommand is the template command line used to spawn a worker; the
	// literal substring %socket% is replaced with that worker's socket path.
	WorkerCommand string
}

// envPrefix namespaces every environment variable this package reads.
const envPrefix = "LOCAL_SCHEDULER_"

// Default returns a Config usable for local/standalone runs: one worker, one
// CPU, in-memory metadata store, sockets under the OS temp directory.
func Default() Config {
	return Config{
		NodeIPAddress:          "127.0.0.1",
		ObjectStoreName:        "/tmp/local-scheduler-object-store.sock",
		ObjectStoreManagerName: "/tmp/local-scheduler-object-store-manager.sock",
		LocalSchedulerName:     "/tmp/local-scheduler.sock",
		RedisAddress:           "127.0.0.1:6379",
		NumWorkers:             1,
		StaticResources:        taskspec.ResourceDemand{CPU: 1},
		WorkerCommand:          "",
	}
}

// FromEnv overlays environment variables onto a copy of c, following nomad's
// CLI-flags-then-environment-overlay convention (command/agent.Command):
// flags are parsed first by the caller into a Config, then FromEnv overwrites
// every field whose environment variable is set, so a set variable takes
// precedence over both the default and a flag value.
func FromEnv(c Config) (Config, error) {
	if v, ok := lookup("NODE_IP_ADDRESS"); ok {
		c.NodeIPAddress = v
	}
	if v, ok := lookup("OBJECT_STORE_NAME"); ok {
		c.ObjectStoreName = v
	}
	if v, ok := lookup("OBJECT_STORE_MANAGER_NAME"); ok {
		c.ObjectStoreManagerName = v
	}
	if v, ok := lookup("LOCAL_SCHEDULER_NAME"); ok {
		c.LocalSchedulerName = v
	}
	if v, ok := lookup("REDIS_ADDRESS"); ok {
		c.RedisAddress = v
	}
	if v, ok := lookup("NUM_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %sNUM_WORKERS: %w", envPrefix, err)
		}
		c.NumWorkers = n
	}
	if v, ok := lookup("STATIC_CPU"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %sSTATIC_CPU: %w", envPrefix, err)
		}
		c.StaticResources.CPU = n
	}
	if v, ok := lookup("STATIC_GPU"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %sSTATIC_GPU: %w", envPrefix, err)
		}
		c.StaticResources.GPU = n
	}
	if v, ok := lookup("WORKER_COMMAND"); ok {
		c.WorkerCommand = v
	}
	return c, nil
}

func lookup(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}

// Validate checks the invariants the engine relies on before it starts
// accepting connections (spec §7: fatal startup errors get a diagnostic and
// a non-zero exit, not a panic mid-run).
func (c Config) Validate() error {
	if c.LocalSchedulerName == "" {
		return fmt.Errorf("config: local-scheduler-name is required")
	}
	if c.WorkerCommand == "" {
		return fmt.Errorf("config: worker-command is required")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("config: num-workers must be >= 0, got %d", c.NumWorkers)
	}
	if !c.StaticResources.IsNonNegative() {
		return fmt.Errorf("config: static-resources must be non-negative, got %+v", c.StaticResources)
	}
	return nil
}
