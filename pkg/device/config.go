// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"strconv"
	"time"

	"github.com/gomlx/tilegrid/internal/allocator"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/pkg/errors"
)

// NocCoord is a physical coordinate on the network-on-chip.
type NocCoord struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// Config describes the simulated device: its compute grid, memories and the mapping of logical
// cores and DRAM channels to NoC coordinates.
type Config struct {
	Name string `yaml:"name" json:"name"`

	// GridX, GridY is the size of the compute grid (columns, rows).
	GridX int `yaml:"grid_x" json:"grid_x"`
	GridY int `yaml:"grid_y" json:"grid_y"`

	// WorkerNocColumns[x] and WorkerNocRows[y] give the physical NoC coordinates of logical core (x, y).
	WorkerNocColumns []int `yaml:"worker_noc_columns" json:"worker_noc_columns"`
	WorkerNocRows    []int `yaml:"worker_noc_rows" json:"worker_noc_rows"`

	// DRAMChannels lists the NoC coordinates of each DRAM channel: a DRAM bank.
	DRAMChannels    []NocCoord `yaml:"dram_channels" json:"dram_channels"`
	DRAMChannelSize uint32     `yaml:"dram_channel_size" json:"dram_channel_size"`

	// L1Size is the scratch memory of each core. Addresses below L1UnreservedBase are reserved
	// (semaphores live there) and not managed by the allocators.
	L1Size           uint32 `yaml:"l1_size" json:"l1_size"`
	L1UnreservedBase uint32 `yaml:"l1_unreserved_base" json:"l1_unreserved_base"`

	// SysmemSize is the host pinned memory used to stage transfers.
	SysmemSize uint32 `yaml:"sysmem_size" json:"sysmem_size"`

	// Alignment of every allocation, in bytes.
	Alignment uint32 `yaml:"alignment" json:"alignment"`

	// AllocatorPolicy is "first_fit" or "best_fit".
	AllocatorPolicy string `yaml:"allocator_policy" json:"allocator_policy"`

	// DstTiles is the capacity, in tiles, of the compute destination registers.
	DstTiles int `yaml:"dst_tiles" json:"dst_tiles"`

	// WatchdogTimeout aborts a launch that doesn't complete in time: a hung kernel. 0 disables it.
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout" json:"watchdog_timeout"`
}

// DefaultConfig returns the configuration of a 12x9 grid with 8 DRAM channels.
func DefaultConfig() Config {
	return Config{
		Name:             "grid12x9",
		GridX:            12,
		GridY:            9,
		WorkerNocColumns: []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		WorkerNocRows:    []int{1, 2, 3, 4, 5, 7, 8, 9, 10},
		DRAMChannels: []NocCoord{
			{1, 0}, {1, 6}, {4, 0}, {4, 6}, {7, 0}, {7, 6}, {10, 0}, {10, 6},
		},
		DRAMChannelSize:  1 << 30,
		L1Size:           1 << 20,
		L1UnreservedBase: 0x20000,
		SysmemSize:       256 << 20,
		Alignment:        32,
		AllocatorPolicy:  "first_fit",
		DstTiles:         8,
		WatchdogTimeout:  time.Minute,
	}
}

// GridSize returns the size of the compute grid.
func (c Config) GridSize() grid.Size {
	return grid.Size{X: c.GridX, Y: c.GridY}
}

// Policy returns the allocator policy.
func (c Config) Policy() (allocator.Policy, error) {
	switch c.AllocatorPolicy {
	case "", "first_fit":
		return allocator.FirstFit, nil
	case "best_fit":
		return allocator.BestFit, nil
	}
	return 0, errors.Errorf("device config %q: unknown allocator policy %q, valid values are \"first_fit\" and \"best_fit\"",
		c.Name, c.AllocatorPolicy)
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.GridX <= 0 || c.GridY <= 0 {
		return errors.Errorf("device config %q: invalid grid size %dx%d", c.Name, c.GridX, c.GridY)
	}
	if len(c.WorkerNocColumns) != c.GridX || len(c.WorkerNocRows) != c.GridY {
		return errors.Errorf("device config %q: %d worker NoC columns and %d rows given for a %dx%d grid",
			c.Name, len(c.WorkerNocColumns), len(c.WorkerNocRows), c.GridX, c.GridY)
	}
	if len(c.DRAMChannels) == 0 {
		return errors.Errorf("device config %q: no DRAM channels", c.Name)
	}
	const maxNocCoord = 1 << 6
	nodes := make(map[NocCoord]string)
	addNode := func(coord NocCoord, what string) error {
		if coord.X < 0 || coord.Y < 0 || coord.X >= maxNocCoord || coord.Y >= maxNocCoord {
			return errors.Errorf("device config %q: %s at NoC coordinate %v out of range", c.Name, what, coord)
		}
		if other, found := nodes[coord]; found {
			return errors.Errorf("device config %q: %s and %s share the NoC coordinate %v", c.Name, other, what, coord)
		}
		nodes[coord] = what
		return nil
	}
	for ch, coord := range c.DRAMChannels {
		if err := addNode(coord, "DRAM channel "+strconv.Itoa(ch)); err != nil {
			return err
		}
	}
	for _, y := range c.WorkerNocRows {
		for _, x := range c.WorkerNocColumns {
			if err := addNode(NocCoord{x, y}, "worker core"); err != nil {
				return err
			}
		}
	}
	if c.Alignment == 0 || c.Alignment&(c.Alignment-1) != 0 {
		return errors.Errorf("device config %q: alignment %d is not a power of 2", c.Name, c.Alignment)
	}
	semaphoresEnd := program.SemaphoreBase + uint32(program.MaxSemaphores)*program.SemaphoreSize
	if c.L1UnreservedBase < semaphoresEnd || c.L1UnreservedBase >= c.L1Size {
		return errors.Errorf("device config %q: L1 unreserved base 0x%x must be in [0x%x, 0x%x)",
			c.Name, c.L1UnreservedBase, semaphoresEnd, c.L1Size)
	}
	if c.DRAMChannelSize == 0 || c.SysmemSize == 0 {
		return errors.Errorf("device config %q: DRAM channel size and sysmem size must be > 0", c.Name)
	}
	if c.DstTiles <= 0 {
		return errors.Errorf("device config %q: destination registers capacity must be > 0, got %d", c.Name, c.DstTiles)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}
