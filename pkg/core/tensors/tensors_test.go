package tensors

import (
	"math/rand/v2"
	"runtime"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memConfigs = []device.MemoryConfig{
	{Interleaved: true, BufferType: device.DRAM},
	{Interleaved: false, DRAMChannel: 3, BufferType: device.DRAM},
	{Interleaved: true, BufferType: device.L1},
	{Interleaved: false, DRAMChannel: 5, BufferType: device.L1},
}

func openDevice(t *testing.T) *device.Device {
	d := must.M1(device.Open(0, device.DefaultConfig()))
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func randomBFloat16(rng *rand.Rand, n int) []bfloat16.BFloat16 {
	values := make([]bfloat16.BFloat16, n)
	for i := range values {
		values[i] = bfloat16.FromFloat32(rng.Float32()*200 - 100)
	}
	return values
}

func TestRoundTrip(t *testing.T) {
	d := openDevice(t)
	rng := rand.New(rand.NewPCG(42, 0))
	dims := []int{2, 4, 32, 64}
	volume := shapes.Make(dims...).Volume()

	bf16 := randomBFloat16(rng, volume)
	u32 := make([]uint32, volume)
	for i := range u32 {
		u32[i] = rng.Uint32()
	}
	hostTensors := []*Tensor{FromFlatDataAndDimensions(bf16, dims...), FromFlatDataAndDimensions(u32, dims...)}

	for _, memConfig := range memConfigs {
		for _, host := range hostTensors {
			for _, layout := range []shapes.Layout{shapes.RowMajor, shapes.Tile, shapes.ChannelsLast} {
				if host.DType() == dtypes.UInt32 && layout == shapes.ChannelsLast {
					continue
				}
				converted := must.M1(host.ToLayout(layout))
				onDevice, err := converted.ToDevice(d, memConfig)
				require.NoError(t, err, "%s in %s", converted, memConfig)
				require.NoError(t, onDevice.CheckValid())
				assert.Equal(t, memConfig, onDevice.MemoryConfig())
				back := must.M1(onDevice.ToHost())
				assert.Equal(t, layout, back.Layout())
				want := must.M1(host.Float32s())
				got := must.M1(back.RowMajorFloat32s())
				require.Equal(t, want, got, "%s in %s", converted, memConfig)
				require.NoError(t, onDevice.Release())
			}
		}
	}
	assert.Zero(t, d.NumLiveBuffers())
}

func TestFloat32Truncation(t *testing.T) {
	d := openDevice(t)
	values := make([]float32, 32*32)
	for i := range values {
		values[i] = float32(i) + 0.005859375 // Needs more than 8 bits of mantissa for i > 0.
	}
	// 1.005859375 has bits 0x3F80C000: truncated to 0x3F80 (1.0), while rounding would give 1.0078125.
	values[1] = 1.005859375
	host := FromFlatDataAndDimensions(values, 32, 32)
	onDevice := must.M1(host.ToDevice(d, device.DefaultMemoryConfig))
	assert.Equal(t, dtypes.BFloat16, onDevice.DType())
	back := must.M1(must.M1(onDevice.ToHost()).Float32s())
	assert.Equal(t, float32(1), back[1])
	for i, v := range values {
		assert.InDelta(t, v, back[i], float64(v)/128+1e-6, "index %d", i)
		assert.Equal(t, dtypes.TruncateToBFloat16(v).Float32(), back[i])
	}
}

func TestBFloat8B(t *testing.T) {
	d := openDevice(t)
	values := make([]float32, 2*32*32)
	for i := range values {
		values[i] = float32(64+i%64) / 64
	}
	host := must.M1(must.M1(FromFlatDataAndDimensions(values, 1, 1, 64, 32).ToLayout(shapes.Tile)).AsType(dtypes.BFloat8B))
	_, err := host.ToLayout(shapes.RowMajor)
	require.Error(t, err)
	onDevice := must.M1(host.ToDevice(d, device.DefaultMemoryConfig))
	assert.Equal(t, uint32(2*dtypes.BFloat8BTileSize), onDevice.Buffer().Size())
	back := must.M1(onDevice.ToHost())
	assert.Equal(t, dtypes.BFloat8B, back.DType())
	got := must.M1(must.M1(back.AsType(dtypes.Float32)).RowMajorFloat32s())
	assert.Equal(t, values, got)

	_, err = FromFlatDataAndDimensions(values, 64, 32).AsType(dtypes.BFloat8B)
	require.Error(t, err, "BFloat8B requires Tile layout")
}

func TestPadUnpad(t *testing.T) {
	values := make([]float32, 3*5)
	for i := range values {
		values[i] = float32(i + 1)
	}
	host := FromFlatDataAndDimensions(values, 1, 1, 3, 5)
	padded := must.M1(host.PadToTile(-1))
	assert.Equal(t, []int{1, 1, 32, 32}, padded.Shape().Dimensions)
	flat := must.M1(padded.Float32s())
	assert.Equal(t, float32(5), flat[4])
	assert.Equal(t, float32(-1), flat[5])
	assert.Equal(t, float32(6), flat[32])
	assert.Equal(t, float32(-1), flat[32*3])

	// Pad, tilize, write, read, untilize and unpad.
	d := openDevice(t)
	onDevice := must.M1(must.M1(padded.ToLayout(shapes.Tile)).ToDevice(d, device.DefaultMemoryConfig))
	back := must.M1(must.M1(must.M1(onDevice.ToHost()).ToLayout(shapes.RowMajor)).UnpadFromTile(host.Shape()))
	assert.Equal(t, values, must.M1(back.Float32s()))

	_, err := must.M1(padded.ToLayout(shapes.Tile)).PadToTile(0)
	require.Error(t, err)
	_, err = host.UnpadFromTile(shapes.Make(1, 1, 4, 5))
	require.Error(t, err)
}

func TestInvalid(t *testing.T) {
	d := openDevice(t)
	_, err := FromFlatDataAndDimensions(make([]float32, 10*10), 10, 10).ToLayout(shapes.Tile)
	require.ErrorIs(t, err, shapes.ErrInvalidLayout)
	_, err = FromShape(dtypes.UInt32, shapes.ChannelsLast, shapes.Make(4, 4))
	require.ErrorIs(t, err, shapes.ErrInvalidLayout)
	// Sticks of 3 BFloat16 values are not 32 bits aligned.
	_, err = FromFlatDataAndDimensions(make([]float32, 3), 1, 3).ToDevice(d, device.DefaultMemoryConfig)
	require.ErrorIs(t, err, shapes.ErrInvalidLayout)

	onDevice := must.M1(AllocateOnDevice(d, shapes.Make(32, 32), dtypes.BFloat16, shapes.Tile, device.DefaultMemoryConfig))
	_, err = CopyFlatData[float32](onDevice)
	require.Error(t, err, "device tensors have no host data")
	_, err = FromBuffer(onDevice.Buffer().Retain(), shapes.Make(32, 64), dtypes.BFloat16, shapes.Tile)
	require.Error(t, err, "size mismatch")
	require.NoError(t, onDevice.Buffer().Release())
	require.NoError(t, onDevice.Deallocate())
	require.Error(t, onDevice.CheckValid())
	_, err = onDevice.ToHost()
	require.Error(t, err)
	assert.Panics(t, func() { FromFlatDataAndDimensions([]uint32{1, 2}, 3) })
}

func TestAllocateTooLarge(t *testing.T) {
	d := openDevice(t)
	// 4 GiB plus one tile: it would wrap around to a single tile as uint32.
	shape := shapes.Make(1, 1, 32, 32*(1<<21+1))
	require.Equal(t, 1<<32+2048, shape.DeviceByteSize(dtypes.BFloat16, shapes.Tile))
	_, err := AllocateOnDevice(d, shape, dtypes.BFloat16, shapes.Tile, device.DefaultMemoryConfig)
	require.ErrorContains(t, err, "device buffers are limited to")
	assert.Zero(t, d.NumLiveBuffers())
}

func TestShareAndRelease(t *testing.T) {
	d := openDevice(t)
	host := Full(bfloat16.FromFloat32(3), 64, 64)
	a := must.M1(must.M1(host.ToLayout(shapes.Tile)).ToDevice(d, device.DefaultMemoryConfig))
	b := must.M1(a.Share())
	buffer := a.Buffer()
	assert.Same(t, buffer, b.Buffer())
	assert.Equal(t, 2, buffer.RefCount())

	require.NoError(t, a.Release())
	require.NoError(t, a.Release(), "second release is a no-op")
	assert.True(t, buffer.IsAllocated())
	assert.False(t, a.IsOnDevice())
	assert.True(t, b.IsOnDevice())
	values := must.M1(must.M1(b.ToHost()).RowMajorFloat32s())
	assert.Equal(t, float32(3), values[4095])

	require.NoError(t, b.Release())
	assert.False(t, buffer.IsAllocated())
	assert.Zero(t, d.NumLiveBuffers())

	// Host tensors are deep-copied.
	c := must.M1(host.Share())
	require.NoError(t, host.Release())
	assert.False(t, host.IsOnHost())
	assert.Len(t, must.M1(c.Float32s()), 64*64)
}

func TestReleasedWhenCollected(t *testing.T) {
	d := openDevice(t)
	func() {
		_ = must.M1(Full(uint32(7), 32, 32).ToDevice(d, device.DefaultMemoryConfig))
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return d.NumLiveBuffers() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSummary(t *testing.T) {
	values := make([]uint32, 2*8*8)
	for i := range values {
		values[i] = uint32(i)
	}
	summary := FromFlatDataAndDimensions(values, 2, 8, 8).Summary(3)
	assert.Contains(t, summary, "(UInt32)[2 8 8][RowMajor]")
	assert.Contains(t, summary, "[ 0 1 2 ... 5 6 7 ]")
	assert.Contains(t, summary, "batch 1:")
}
