// Copyright 2026 The kvsched Authors
// This file is part of the kvsched library.
//
// The kvsched library is free software: you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Command schedsim drives a Scheduler against a synthetic workload and
// prints the per-tick plan, in the shape of the teacher's cmd/geth: a
// urfave/cli/v2 app with flag-driven configuration, a GOMAXPROCS setup
// step, and a single Action that runs the simulation to completion.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/kvsched/kvsched/internal/xlog"
)

var log = xlog.New("schedsim")

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "schedsim",
		Usage: "drive a kvsched scheduler against a synthetic workload",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a TOML config file (scheduler/cache/ifb sections); when unset, built-in defaults are used",
			},
			&cli.IntFlag{
				Name:  "requests",
				Usage: "number of synthetic requests to submit",
				Value: 64,
			},
			&cli.IntFlag{
				Name:  "ticks",
				Usage: "maximum number of scheduler ticks to run",
				Value: 200,
			},
			&cli.IntFlag{
				Name:  "ingress-workers",
				Usage: "concurrency of the simulated request-ingress pool",
				Value: 8,
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve Prometheus metrics on (empty disables the server)",
				Value: "",
			},
		},
		Action: runSim,
	}
}
