package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/ops"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func convCmd() *cli.Command {
	var (
		req                 = convRequest{ConvParams: partition.ConvParams{StrideH: 1, StrideW: 1}}
		kernel, stride, pad int
		run                 bool
		inputPath           string
		weightsPath         string
		outputPath          string
		seed                int64
	)
	return &cli.Command{
		Name:  "conv",
		Usage: "Plan the blocking of a 2D convolution of [C, H, W] by [K, C, R, S], and optionally run it",
		Flags: append(planFlags(),
			&cli.IntFlag{Name: "channels", Aliases: []string{"C"}, Value: 3, Destination: &req.Channels},
			&cli.IntFlag{Name: "height", Aliases: []string{"H"}, Value: 32, Destination: &req.Height},
			&cli.IntFlag{Name: "width", Aliases: []string{"W"}, Value: 32, Destination: &req.Width},
			&cli.IntFlag{Name: "filters", Aliases: []string{"K"}, Value: 32, Destination: &req.NumFilters},
			&cli.IntFlag{Name: "kernel", Usage: "size of the square filters", Value: 3, Destination: &kernel},
			&cli.IntFlag{Name: "stride", Value: 1, Destination: &stride},
			&cli.IntFlag{Name: "pad", Value: 0, Destination: &pad},
			&cli.BoolFlag{Name: "run", Usage: "run the convolution on the simulated device", Destination: &run},
			&cli.StringFlag{Name: "input", Usage: ".npy activation [C, H, W], random if not given", Destination: &inputPath},
			&cli.StringFlag{Name: "weights", Usage: ".npy weights [K, C, R, S], random if not given", Destination: &weightsPath},
			&cli.StringFlag{Name: "output", Usage: "save the output to this .npy file", Destination: &outputPath},
			&cli.Int64Flag{Name: "seed", Value: 42, Destination: &seed},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			req.KernelH, req.KernelW = kernel, kernel
			req.StrideH, req.StrideW = stride, stride
			req.PadH, req.PadW = pad, pad
			var input, weights *tensors.Tensor
			var err error
			if inputPath != "" {
				if input, err = readNpy(inputPath); err != nil {
					return err
				}
				dims := input.Shape().Dimensions
				if len(dims) < 3 {
					return errors.Errorf("input %s must be [C, H, W] or [1, C, H, W]", input.Shape())
				}
				req.Channels, req.Height, req.Width = dims[len(dims)-3], dims[len(dims)-2], dims[len(dims)-1]
			}
			if weightsPath != "" {
				if weights, err = readNpy(weightsPath); err != nil {
					return err
				}
				dims := weights.Shape().Dimensions
				if len(dims) != 4 || dims[2] != dims[3] {
					return errors.Errorf("weights %s must be [K, C, R, R]", weights.Shape())
				}
				req.NumFilters, req.KernelH, req.KernelW = dims[0], dims[2], dims[3]
			}

			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			report, err := planConv(config.Budgets, req)
			if err != nil {
				return err
			}
			if err = printReport(report); err != nil || !run {
				return err
			}

			rng := rand.New(rand.NewPCG(uint64(seed), 0))
			if input == nil {
				input = randomTensor(rng, req.Channels, req.Height, req.Width)
			}
			if weights == nil {
				weights = randomTensor(rng, req.NumFilters, req.Channels, req.KernelH, req.KernelW)
			}
			return withRuntime(cmd, func(rt *runtime.Context) error {
				start := time.Now()
				output, err := ops.Conv2D(ctx, rt, input, weights, req.ConvParams)
				if err != nil {
					return err
				}
				klog.V(1).Infof("conv2d: output %s in %s", output.Shape(), time.Since(start))
				fmt.Printf("output %s in %s\n%s\n", output.Shape(), time.Since(start), output.Summary(3))
				if outputPath != "" {
					return writeNpy(output, outputPath)
				}
				return nil
			})
		},
	}
}

// randomTensor returns a host Float32 tensor with values uniform in [-1, 1).
func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = rng.Float32()*2 - 1
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}
