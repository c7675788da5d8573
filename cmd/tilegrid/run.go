package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/core/tensors/numpy"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/gomlx/tilegrid/pkg/ops"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/gomlx/tilegrid/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

// toDevice pads the host tensor to whole tiles and writes it to the default device in Tile layout.
func toDevice(rt *runtime.Context, host *tensors.Tensor) (*tensors.Tensor, error) {
	padded, err := host.PadToTile(0)
	if err != nil {
		return nil, err
	}
	tiled, err := padded.ToLayout(shapes.Tile)
	if err != nil {
		return nil, err
	}
	return tiled.ToDevice(rt.DefaultDevice(), device.DefaultMemoryConfig)
}

// toHost reads the device tensor back as a Float32 RowMajor tensor of the given logical shape.
func toHost(t *tensors.Tensor, shape shapes.Shape) (*tensors.Tensor, error) {
	host, err := t.ToHost()
	if err != nil {
		return nil, err
	}
	if host, err = host.ToLayout(shapes.RowMajor); err != nil {
		return nil, err
	}
	if host, err = host.AsType(dtypes.Float32); err != nil {
		return nil, err
	}
	return host.UnpadFromTile(shape)
}

func readNpy(path string) (*tensors.Tensor, error) {
	path, err := fsutil.ExistingFile(path)
	if err != nil {
		return nil, err
	}
	return numpy.FromNpyFile(path)
}

func writeNpy(t *tensors.Tensor, path string) error {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return err
	}
	klog.V(1).Infof("saving %s to %s", t.Shape(), path)
	return numpy.ToNpyFile(t, path)
}

func loadOrRandom(rng *rand.Rand, path string, dims ...int) (*tensors.Tensor, error) {
	if path == "" {
		return randomTensor(rng, dims...), nil
	}
	return readNpy(path)
}

// runOp runs fn on the device inputs, and saves the output, unpadded to outputShape.
func runOp(ctx context.Context, cmd *cli.Command, outputPath string, inputs []*tensors.Tensor,
	outputShape func(inputs []*tensors.Tensor) shapes.Shape,
	fn func(ctx context.Context, rt *runtime.Context, inputs []*tensors.Tensor) (*tensors.Tensor, error)) error {
	return withRuntime(cmd, func(rt *runtime.Context) error {
		var onDevice []*tensors.Tensor
		defer func() {
			for _, t := range onDevice {
				_ = t.Release()
			}
		}()
		for i, host := range inputs {
			t, err := toDevice(rt, host)
			if err != nil {
				return errors.WithMessagef(err, "input #%d", i)
			}
			onDevice = append(onDevice, t)
		}
		start := time.Now()
		output, err := fn(ctx, rt, onDevice)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		defer func() { _ = output.Release() }()
		result, err := toHost(output, outputShape(inputs))
		if err != nil {
			return err
		}
		t := newKeyValueTable()
		t.Row(false, "output", result.Shape().String())
		t.Row(false, "elapsed", elapsed.String())
		t.Row(false, "device buffers", humanize.Comma(int64(rt.DefaultDevice().NumLiveBuffers())))
		hits, misses := rt.ProgramCache().Stats()
		t.Row(false, "program cache", fmt.Sprintf("%d hits, %d misses", hits, misses))
		t.Row(false, "values", result.Summary(3))
		fmt.Println(t)
		if outputPath != "" {
			return writeNpy(result, outputPath)
		}
		return nil
	})
}

func runCmd() *cli.Command {
	var (
		aPath, bPath, xPath string
		outputPath          string
		seed                int64
		bmm                 bool
		batches, m, k, n    int
		h, w                int
		scale               float64
	)
	commonFlags := func(flags ...cli.Flag) []cli.Flag {
		return append(flags,
			&cli.Int64Flag{Name: "seed", Value: 42, Destination: &seed},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "save the output to this .npy file", Destination: &outputPath},
		)
	}

	return &cli.Command{
		Name:  "run",
		Usage: "Run an operation on the simulated device, on .npy inputs or random values",
		Commands: []*cli.Command{
			{
				Name:  "matmul",
				Usage: "Multiply a [batches, m, k] by b [k, n] (or [batches, k, n] with --bmm)",
				Flags: commonFlags(
					&cli.StringFlag{Name: "a", Usage: ".npy file with the first operand", Destination: &aPath},
					&cli.StringFlag{Name: "b", Usage: ".npy file with the second operand", Destination: &bPath},
					&cli.BoolFlag{Name: "bmm", Destination: &bmm},
					&cli.IntFlag{Name: "batches", Value: 1, Destination: &batches},
					&cli.IntFlag{Name: "m", Value: 64, Destination: &m},
					&cli.IntFlag{Name: "k", Value: 64, Destination: &k},
					&cli.IntFlag{Name: "n", Value: 64, Destination: &n},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rng := rand.New(rand.NewPCG(uint64(seed), 0))
					bBatches := 1
					if bmm {
						bBatches = batches
					}
					a, err := loadOrRandom(rng, aPath, batches, m, k)
					if err != nil {
						return err
					}
					b, err := loadOrRandom(rng, bPath, bBatches, k, n)
					if err != nil {
						return err
					}
					outputShape := func(inputs []*tensors.Tensor) shapes.Shape {
						dims := inputs[0].Shape().Clone().Dimensions
						dims[len(dims)-1] = inputs[1].Shape().W()
						return shapes.Make(dims...)
					}
					return runOp(ctx, cmd, outputPath, []*tensors.Tensor{a, b}, outputShape,
						func(ctx context.Context, rt *runtime.Context, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
							if bmm {
								return ops.BMM(ctx, rt, inputs[0], inputs[1])
							}
							return ops.Matmul(ctx, rt, inputs[0], inputs[1])
						})
				},
			},
			{
				Name:  "softmax",
				Usage: "Softmax over the last dimension of x [batches, h, w]; w must be a multiple of 32",
				Flags: commonFlags(
					&cli.StringFlag{Name: "x", Usage: ".npy file with the input", Destination: &xPath},
					&cli.IntFlag{Name: "batches", Value: 1, Destination: &batches},
					&cli.IntFlag{Name: "h", Value: 32, Destination: &h},
					&cli.IntFlag{Name: "w", Value: 64, Destination: &w},
					&cli.Float64Flag{Name: "scale", Value: 1, Destination: &scale},
				),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rng := rand.New(rand.NewPCG(uint64(seed), 0))
					x, err := loadOrRandom(rng, xPath, batches, h, w)
					if err != nil {
						return err
					}
					if x.Shape().W()%dtypes.TileWidth != 0 {
						return errors.Errorf("softmax of %s: the last dimension must be a multiple of %d", x.Shape(), dtypes.TileWidth)
					}
					return runOp(ctx, cmd, outputPath, []*tensors.Tensor{x},
						func(inputs []*tensors.Tensor) shapes.Shape { return inputs[0].Shape() },
						func(ctx context.Context, rt *runtime.Context, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
							return ops.ScaleMaskSoftmax(ctx, rt, float32(scale), inputs[0], nil)
						})
				},
			},
		},
	}
}
