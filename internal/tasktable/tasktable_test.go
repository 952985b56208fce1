// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tasktable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition_HappyPath(t *testing.T) {
	require.True(t, WAITING.CanTransition(SCHEDULED))
	require.True(t, SCHEDULED.CanTransition(RUNNING))
	require.True(t, RUNNING.CanTransition(DONE))
}

func TestStatus_CanTransition_RejectsBackwards(t *testing.T) {
	require.False(t, SCHEDULED.CanTransition(WAITING))
	require.False(t, DONE.CanTransition(RUNNING))
	require.False(t, RUNNING.CanTransition(SCHEDULED))
}

func TestStatus_CanTransition_LostSupersedesNonTerminal(t *testing.T) {
	require.True(t, WAITING.CanTransition(LOST))
	require.True(t, SCHEDULED.CanTransition(LOST))
	require.True(t, RUNNING.CanTransition(LOST))
	require.False(t, DONE.CanTransition(LOST))
	require.True(t, LOST.CanTransition(LOST)) // idempotent write, not a supersede
}

func TestStatus_CanTransition_DoneToWaitingForReconstruction(t *testing.T) {
	// The reconstruction coordinator's CAS from DONE to WAITING is the one
	// deliberate exception to monotone precedence: it is driven by an
	// external fact (the object was evicted), not by ordinary progress.
	require.False(t, DONE.CanTransition(WAITING))
}

func TestStatus_CanTransition_Idempotent(t *testing.T) {
	for _, s := range []Status{WAITING, SCHEDULED, RUNNING, DONE, LOST} {
		require.True(t, s.CanTransition(s))
	}
}

func TestStatus_CanTransition_LostIsTerminal(t *testing.T) {
	require.False(t, LOST.CanTransition(WAITING))
	require.False(t, LOST.CanTransition(SCHEDULED))
	require.False(t, LOST.CanTransition(RUNNING))
	require.False(t, LOST.CanTransition(DONE))
}
