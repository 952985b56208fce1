// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"testing"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValidOnceWorkerCommandSet(t *testing.T) {
	c := Default()
	require.Error(t, c.Validate()) // worker-command unset

	c.WorkerCommand = "worker --socket=%socket%"
	require.NoError(t, c.Validate())
}

func TestFromEnv_OverlaysOntoDefault(t *testing.T) {
	t.Setenv("LOCAL_SCHEDULER_NUM_WORKERS", "4")
	t.Setenv("LOCAL_SCHEDULER_STATIC_CPU", "8")
	t.Setenv("LOCAL_SCHEDULER_WORKER_COMMAND", "worker --socket=%socket%")

	c, err := FromEnv(Default())
	require.NoError(t, err)
	require.Equal(t, 4, c.NumWorkers)
	require.Equal(t, taskspec.ResourceDemand{CPU: 8}, c.StaticResources)
	require.NoError(t, c.Validate())
}

func TestFromEnv_RejectsMalformedInt(t *testing.T) {
	t.Setenv("LOCAL_SCHEDULER_NUM_WORKERS", "not-a-number")
	_, err := FromEnv(Default())
	require.Error(t, err)
}

func TestValidate_RejectsNegativeResources(t *testing.T) {
	c := Default()
	c.WorkerCommand = "x"
	c.StaticResources.CPU = -1
	require.Error(t, c.Validate())
}
