package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig([]byte(`
num_devices: 2
program_cache: true
device:
  name: small
  grid_x: 2
  grid_y: 2
  worker_noc_columns: [1, 2]
  worker_noc_rows: [1, 2]
  dram_channels: [{x: 0, y: 0}, {x: 3, y: 0}]
  watchdog_timeout: 5s
budgets:
  scratch_tiles: 100
`))
	require.NoError(t, err)
	assert.Equal(t, 2, config.NumDevices)
	assert.True(t, config.ProgramCache)
	assert.Equal(t, "small", config.Device.Name)
	assert.Equal(t, 2, config.Device.GridX)
	assert.Equal(t, 5*time.Second, config.Device.WatchdogTimeout)
	assert.Len(t, config.Device.DRAMChannels, 2)
	// Values not given keep their defaults.
	assert.Equal(t, uint32(1<<20), config.Device.L1Size)
	assert.Equal(t, 100, config.Budgets.ScratchTiles)
	assert.Equal(t, 8, config.Budgets.DstTiles)

	_, err = ParseConfig([]byte("num_devices: 0"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("budgets: {dst_tiles: -1}"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("device: [not, a, map]"))
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	config := DefaultConfig()
	config.Budgets.PerCoreM = 4
	data, err := config.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tilegrid.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestContext(t *testing.T) {
	config := DefaultConfig()
	config.NumDevices = 2
	ctx, err := New(config)
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Close()) }()

	assert.Equal(t, 2, ctx.NumDevices())
	assert.Equal(t, 0, ctx.DefaultDevice().ID())
	require.NoError(t, ctx.SetDefaultDevice(1))
	assert.Equal(t, 1, ctx.DefaultDevice().ID())
	require.Error(t, ctx.SetDefaultDevice(2))
	d, err := ctx.Device(1)
	require.NoError(t, err)
	assert.Equal(t, 1, d.ID())
	_, err = ctx.Device(-1)
	require.Error(t, err)

	b := partition.DefaultBudgets()
	b.ScratchTiles = 10
	require.NoError(t, ctx.SetBudgets(b))
	assert.Equal(t, 10, ctx.Budgets().ScratchTiles)
	b.ScratchTiles = 0
	require.Error(t, ctx.SetBudgets(b))
	assert.Equal(t, 10, ctx.Budgets().ScratchTiles)
}

func TestProgramCache(t *testing.T) {
	ctx, err := NewDefault()
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Close()) }()
	cache := ctx.ProgramCache()

	created := 0
	create := func() (*program.Program, error) {
		created++
		return program.New("test"), nil
	}

	// Disabled: every call creates a new program, nothing is stored.
	assert.False(t, cache.Enabled())
	e1, hit, err := cache.GetOrCreate("key", create)
	require.NoError(t, err)
	assert.False(t, hit)
	e2, _, err := cache.GetOrCreate("key", create)
	require.NoError(t, err)
	assert.NotSame(t, e1, e2)
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, cache.NumEntries())

	ctx.EnableProgramCache()
	e1, hit, err = cache.GetOrCreate("key", create)
	require.NoError(t, err)
	assert.False(t, hit)
	e2, hit, err = cache.GetOrCreate("key", create)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, e1, e2)
	assert.Equal(t, 2, e1.Uses)
	assert.Equal(t, 3, created)
	_, _, err = cache.GetOrCreate("other", create)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.NumEntries())
	hits, misses := cache.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)

	// Failures are not cached.
	_, _, err = cache.GetOrCreate("failing", func() (*program.Program, error) {
		return nil, errors.New("cannot create")
	})
	require.Error(t, err)
	assert.Equal(t, 2, cache.NumEntries())

	// Changing the budgets invalidates the programs.
	require.NoError(t, ctx.SetBudgets(partition.DefaultBudgets()))
	assert.Equal(t, 0, cache.NumEntries())
	assert.True(t, cache.Enabled())

	_, _, err = cache.GetOrCreate("key", create)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.NumEntries())
	ctx.DisableProgramCache()
	assert.Equal(t, 0, cache.NumEntries())
	assert.False(t, cache.Enabled())
}
