package main

import (
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/gomlx/tilegrid/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

var (
	verbosity    int
	noColor      bool
	configPath   string
	programCache bool

	// Budget overrides, applied only when set.
	scratchTiles int
	perCoreM     int
	perCoreN     int
	in0BlockW    int
	dstTiles     int
)

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "yaml file with the runtime configuration (device and budgets)",
			Destination: &configPath,
		},
		&cli.BoolFlag{
			Name:        "program-cache",
			Usage:       "enable the program cache",
			Destination: &programCache,
		},
		&cli.IntFlag{Name: "scratch-tiles", Usage: "override the matmul scratch budget, in tiles", Destination: &scratchTiles},
		&cli.IntFlag{Name: "per-core-m", Usage: "override the fixed matmul block height, in tiles", Destination: &perCoreM},
		&cli.IntFlag{Name: "per-core-n", Usage: "override the fixed matmul block width, in tiles", Destination: &perCoreN},
		&cli.IntFlag{Name: "in0-block-w", Usage: "override the fixed matmul inner block width, in tiles", Destination: &in0BlockW},
		&cli.IntFlag{Name: "dst-tiles", Usage: "override the capacity of the destination registers, in tiles", Destination: &dstTiles},
	}
}

// loadConfig reads --config, if given, and applies the flag overrides.
func loadConfig(cmd *cli.Command) (runtime.Config, error) {
	config := runtime.DefaultConfig()
	if configPath != "" {
		path, err := fsutil.ExistingFile(configPath)
		if err != nil {
			return config, errors.WithMessage(err, "--config")
		}
		if config, err = runtime.LoadConfig(path); err != nil {
			return config, err
		}
	}
	if cmd.IsSet("program-cache") {
		config.ProgramCache = programCache
	}
	applyBudgetFlags(cmd, &config.Budgets)
	if err := config.Validate(); err != nil {
		return config, errors.WithMessage(err, "invalid flags")
	}
	return config, nil
}

func applyBudgetFlags(cmd *cli.Command, b *partition.Budgets) {
	for _, o := range []struct {
		name  string
		value int
		field *int
	}{
		{"scratch-tiles", scratchTiles, &b.ScratchTiles},
		{"per-core-m", perCoreM, &b.PerCoreM},
		{"per-core-n", perCoreN, &b.PerCoreN},
		{"in0-block-w", in0BlockW, &b.In0BlockW},
		{"dst-tiles", dstTiles, &b.DstTiles},
	} {
		if cmd.IsSet(o.name) {
			*o.field = o.value
		}
	}
}

// newRuntime creates the runtime context configured by the flags. The caller must close it.
func newRuntime(cmd *cli.Command) (*runtime.Context, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("device %q: %dx%d cores, %d DRAM channels", config.Device.Name,
		config.Device.GridX, config.Device.GridY, len(config.Device.DRAMChannels))
	return runtime.New(config)
}
