package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var (
	planJSON    bool
	planProgram bool
)

func planFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &planJSON},
		&cli.BoolFlag{Name: "program", Usage: "include the whole program in the JSON report", Destination: &planProgram},
	}
}

// withRuntime runs fn with a runtime created from the flags.
func withRuntime(cmd *cli.Command, fn func(rt *runtime.Context) error) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	err = fn(rt)
	if closeErr := rt.Close(); err == nil {
		err = closeErr
	}
	return err
}

func printReport(report fmt.Stringer) error {
	if !planJSON {
		fmt.Println(report)
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize report")
	}
	fmt.Println(string(data))
	return nil
}

func planCmd() *cli.Command {
	var (
		matmul    = matmulRequest{Batches: 1}
		softmax   = softmaxRequest{Batches: 1, Scale: 1}
		groupNorm = groupNormRequest{Batches: 1}
		transpose = transposeRequest{N: 1}
		scale     float64
	)
	plan := func(fn func(rt *runtime.Context) (*PlanReport, error)) cli.ActionFunc {
		return func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(cmd, func(rt *runtime.Context) error {
				report, err := fn(rt)
				if err != nil {
					return err
				}
				return printReport(report)
			})
		}
	}

	return &cli.Command{
		Name:  "plan",
		Usage: "Select the strategy of an operation and summarize its program, without running it",
		Commands: []*cli.Command{
			{
				Name:  "matmul",
				Usage: "Plan a matmul [batches, m, k] x [1, k, n], or a bmm with --bmm",
				Flags: append(planFlags(),
					&cli.IntFlag{Name: "batches", Value: 1, Destination: &matmul.Batches},
					&cli.IntFlag{Name: "m", Required: true, Destination: &matmul.M},
					&cli.IntFlag{Name: "k", Required: true, Destination: &matmul.K},
					&cli.IntFlag{Name: "n", Required: true, Destination: &matmul.N},
					&cli.BoolFlag{Name: "bmm", Usage: "both operands have the same batches", Destination: &matmul.Bmm},
					&cli.StringFlag{
						Name:        "strategy",
						Usage:       "force a strategy: SINGLE_CORE, MULTI_CORE, MULTI_CORE_REUSE or MULTI_CORE_REUSE_MULTICAST",
						Destination: &matmul.Strategy,
					},
				),
				Action: plan(func(rt *runtime.Context) (*PlanReport, error) {
					return planMatmul(rt, matmul, planProgram)
				}),
			},
			{
				Name:  "softmax",
				Usage: "Plan a softmax over the last dimension of [batches, h, w]",
				Flags: append(planFlags(),
					&cli.IntFlag{Name: "batches", Value: 1, Destination: &softmax.Batches},
					&cli.IntFlag{Name: "h", Required: true, Destination: &softmax.H},
					&cli.IntFlag{Name: "w", Required: true, Destination: &softmax.W},
					&cli.Float64Flag{Name: "scale", Value: 1, Destination: &scale},
					&cli.BoolFlag{Name: "masked", Usage: "add a [batches, 32, w] mask", Destination: &softmax.Masked},
				),
				Action: plan(func(rt *runtime.Context) (*PlanReport, error) {
					softmax.Scale = float32(scale)
					return planSoftmax(rt, softmax, planProgram)
				}),
			},
			{
				Name:  "groupnorm",
				Usage: "Plan a group normalization of [batches, h, w]",
				Flags: append(planFlags(),
					&cli.IntFlag{Name: "batches", Value: 1, Destination: &groupNorm.Batches},
					&cli.IntFlag{Name: "h", Required: true, Destination: &groupNorm.H},
					&cli.IntFlag{Name: "w", Required: true, Destination: &groupNorm.W},
					&cli.IntFlag{Name: "groups", Required: true, Destination: &groupNorm.Groups},
				),
				Action: plan(func(rt *runtime.Context) (*PlanReport, error) {
					return planGroupNorm(rt, groupNorm, planProgram)
				}),
			},
			{
				Name:  "transpose",
				Usage: "Plan a transpose of [n, c, h, w]",
				Flags: append(planFlags(),
					&cli.StringFlag{Name: "dim", Usage: "WH, HC or CN", Value: "WH", Destination: &transpose.Dim},
					&cli.IntFlag{Name: "n", Value: 1, Destination: &transpose.N},
					&cli.IntFlag{Name: "c", Required: true, Destination: &transpose.C},
					&cli.IntFlag{Name: "h", Required: true, Destination: &transpose.H},
					&cli.IntFlag{Name: "w", Required: true, Destination: &transpose.W},
				),
				Action: plan(func(rt *runtime.Context) (*PlanReport, error) {
					return planTranspose(rt, transpose, planProgram)
				}),
			},
		},
	}
}
