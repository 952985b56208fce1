// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"os"

	"github.com/hashicorp/cli"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &cli.ColoredUi{
		Ui: &cli.BasicUi{
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
			Reader:      os.Stdin,
		},
		OutputColor: cli.UiColorNone,
		ErrorColor:  cli.UiColorRed,
	}

	c := cli.NewCLI("local-scheduler", version)
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{UI: ui}, nil
		},
	}

	status, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	return status
}
