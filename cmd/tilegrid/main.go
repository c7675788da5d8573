// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tilegrid inspects and runs operations on the simulated tiled accelerator.
//
// Commands:
//
//   - plan: selects the parallelization strategy of an operation and prints the program summary
//     (or the whole program as JSON) without running it.
//   - conv: plans the blocking of a convolution, and optionally runs it on random data.
//   - sweep: sweeps matmul sizes and reports which strategy each one gets.
//   - run: runs a matmul or softmax on numpy files (or random values) and saves the result.
//   - serve: serves the planners over HTTP.
//
// Logging uses klog: -v=1 logs the strategy decisions, -v=2 the programs and allocations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	defer klog.Flush()

	app := &cli.Command{
		Name:  "tilegrid",
		Usage: "Plan and run operations on the simulated tiled accelerator",
		Flags: append(runtimeFlags(),
			&cli.IntFlag{
				Name:        "v",
				Usage:       "klog verbosity level",
				Destination: &verbosity,
			},
			&cli.BoolFlag{
				Name:        "no-color",
				Usage:       "disable colors in tables",
				Destination: &noColor,
			},
		),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := klogFlags.Set("v", strconv.Itoa(verbosity)); err != nil {
				return ctx, err
			}
			setColorProfile(noColor)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			planCmd(),
			convCmd(),
			sweepCmd(),
			runCmd(),
			serveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		if verbosity > 0 {
			_, _ = fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		klog.Flush()
		os.Exit(1)
	}
}
