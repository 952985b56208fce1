// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/stretchr/testify/require"
)

func TestAgentCommand_Implements(t *testing.T) {
	var _ cli.Command = &AgentCommand{}
}

func TestAgentCommand_Run_MissingWorkerCommand(t *testing.T) {
	var errBuf bytes.Buffer
	ui := &cli.BasicUi{Writer: &bytes.Buffer{}, ErrorWriter: &errBuf}
	cmd := &AgentCommand{UI: ui}

	// No -worker-command is supplied; the engine requires one (spec §6), so
	// Run must fail fast with a non-zero status rather than attempt to start.
	code := cmd.Run([]string{"-local-scheduler-name=/tmp/does-not-matter.sock"})
	require.Equal(t, 1, code)
	require.Contains(t, errBuf.String(), "worker-command")
}

func TestAgentCommand_HelpAndSynopsis(t *testing.T) {
	cmd := &AgentCommand{}
	require.True(t, strings.Contains(cmd.Help(), "local-scheduler agent"))
	require.NotEmpty(t, cmd.Synopsis())
}
