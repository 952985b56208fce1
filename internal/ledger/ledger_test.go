// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"testing"

	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
	"github.com/stretchr/testify/require"
)

func TestLedger_ReserveAndRelease(t *testing.T) {
	l := New(taskspec.ResourceDemand{CPU: 4, GPU: 1})
	require.True(t, l.Idle())

	demand := taskspec.ResourceDemand{CPU: 2}
	require.True(t, l.Fits(demand))
	require.NoError(t, l.Reserve(demand))
	require.False(t, l.Idle())
	require.Equal(t, demand, l.Reserved())

	l.Release(demand)
	require.True(t, l.Idle())
}

func TestLedger_ReserveRejectsOverCapacity(t *testing.T) {
	l := New(taskspec.ResourceDemand{CPU: 1})
	require.False(t, l.Fits(taskspec.ResourceDemand{CPU: 2}))
	require.Error(t, l.Reserve(taskspec.ResourceDemand{CPU: 2}))
	require.True(t, l.Idle())
}

func TestLedger_NeverGoesNegative(t *testing.T) {
	l := New(taskspec.ResourceDemand{CPU: 4})
	require.NoError(t, l.Reserve(taskspec.ResourceDemand{CPU: 1}))

	// A double-release (e.g. both a worker-death handler and a duplicate
	// completion message crediting the same task) must clamp at zero rather
	// than go negative and report phantom headroom.
	l.Release(taskspec.ResourceDemand{CPU: 1})
	l.Release(taskspec.ResourceDemand{CPU: 1})

	require.Equal(t, taskspec.ResourceDemand{}, l.Reserved())
	require.True(t, l.Idle())
}

func TestLedger_FitsAccountsForReserved(t *testing.T) {
	l := New(taskspec.ResourceDemand{CPU: 2})
	require.NoError(t, l.Reserve(taskspec.ResourceDemand{CPU: 2}))
	require.False(t, l.Fits(taskspec.ResourceDemand{CPU: 1}))
	l.Release(taskspec.ResourceDemand{CPU: 2})
	require.True(t, l.Fits(taskspec.ResourceDemand{CPU: 1}))
}
