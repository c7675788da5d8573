package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tilegrid/internal/workerspool"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
)

// sweepResult counts the strategies selected for all the matmul sizes of a sweep.
type sweepResult struct {
	Total      int
	Strategies map[partition.Strategy]int

	// Infeasible counts the sizes where the fixed blocks don't apply and LargeMatmulParams can't
	// partition the matmul either: a forced MULTI_CORE_REUSE fails.
	Infeasible int
}

// sweepMatmul tries every matmul of [batches, mt, kt] x [kt, nt] tiles with mt, nt, kt in
// [1, maxTiles]. onRow is called after each mt.
func sweepMatmul(b partition.Budgets, size grid.Size, batches, maxTiles int, onRow func(sizes int)) sweepResult {
	var mu sync.Mutex
	result := sweepResult{Strategies: make(map[partition.Strategy]int)}
	workerspool.Default.ParallelFor(maxTiles, func(i int) {
		counts := make(map[partition.Strategy]int)
		var infeasible int
		mt := i + 1
		for nt := 1; nt <= maxTiles; nt++ {
			for kt := 1; kt <= maxTiles; kt++ {
				dims := partition.MatmulDims{B: batches, Mt: mt, Kt: kt, Nt: nt}
				strategy := partition.MatmulStrategy(b, size, dims)
				counts[strategy]++
				if strategy == partition.MultiCore || strategy == partition.SingleCore {
					w := grid.FindMaxDivisor(kt, b.In0BlockW)
					if _, ok := partition.LargeMatmulParams(b, size, mt, nt, w); !ok {
						infeasible++
					}
				}
			}
		}
		mu.Lock()
		defer mu.Unlock()
		for s, c := range counts {
			result.Strategies[s] += c
		}
		result.Infeasible += infeasible
		result.Total += maxTiles * maxTiles
		if onRow != nil {
			onRow(maxTiles * maxTiles)
		}
	})
	return result
}

// String renders the result as a table.
func (r sweepResult) String() string {
	t := newTable([]string{"Strategy", "Sizes", "Share"}, lipgloss.Left, lipgloss.Right)
	share := func(n int) string { return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(max(r.Total, 1))) }
	for s := partition.SingleCore; s <= partition.MultiCoreReuseMulticast; s++ {
		t.Row(false, s.String(), humanize.Comma(int64(r.Strategies[s])), share(r.Strategies[s]))
	}
	t.Row(r.Infeasible > 0, "no reuse blocking", humanize.Comma(int64(r.Infeasible)), share(r.Infeasible))
	return t.String()
}

func sweepCmd() *cli.Command {
	var (
		maxTiles int
		batches  int
		noBar    bool
	)
	return &cli.Command{
		Name:  "sweep",
		Usage: "Select the strategy of every matmul size up to --max-tiles tiles per dimension",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-tiles", Value: 32, Destination: &maxTiles},
			&cli.IntFlag{Name: "batches", Value: 1, Destination: &batches},
			&cli.BoolFlag{Name: "no-progress", Usage: "don't display a progress bar", Destination: &noBar},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := positive("max-tiles and batches", maxTiles, batches); err != nil {
				return err
			}
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var bar *progressbar.ProgressBar
			if !noBar {
				bar = progressbar.NewOptions(maxTiles*maxTiles*maxTiles,
					progressbar.OptionSetDescription("sweep"),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("sizes"),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionClearOnFinish(),
				)
			}
			result := sweepMatmul(config.Budgets, config.Device.GridSize(), batches, maxTiles, func(sizes int) {
				if bar != nil {
					_ = bar.Add(sizes)
				}
			})
			if bar != nil {
				_ = bar.Finish()
			}
			fmt.Printf("%s matmul sizes on a %s grid:\n%s\n",
				humanize.Comma(int64(result.Total)), config.Device.GridSize(), result)
			return nil
		},
	}
}
