package program

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGrid = grid.Size{X: 4, Y: 3}

func cores(r ...grid.CoreRange) grid.CoreRangeSet { return grid.NewCoreRangeSet(r...) }

// buildUnary creates a valid program with reader/compute/writer on the first row.
func buildUnary() (*Program, KernelID) {
	p := New("unary")
	row := cores(grid.Rect(0, 0, 4, 1))
	p.AddTileCircularBuffer(0, row, 2, dtypes.BFloat16)
	p.AddTileCircularBuffer(16, row, 2, dtypes.BFloat16)
	reader := p.AddKernel("reader_unary_interleaved_start_id", Reader, row, []uint32{1}, nil)
	writer := p.AddKernel("writer_unary_interleaved_start_id", Writer, row, []uint32{16, 1}, nil)
	p.AddKernel("eltwise_sfpu", Compute, row, []uint32{1, 1}, map[string]string{"SFPU_OP": "relu"})
	for i := range 4 {
		c := grid.CoreCoord{X: i}
		p.SetRuntimeArgs(reader, c, []uint32{0x1000, 1, uint32(i)})
		p.SetRuntimeArgs(writer, c, []uint32{0x2000, 1, uint32(i)})
		p.BindTensorAddress(reader, c, 0, 0)
		p.BindTensorAddress(writer, c, 0, 1)
	}
	return p, reader
}

func TestValidate(t *testing.T) {
	p, reader := buildUnary()
	require.NoError(t, p.Validate(testGrid))
	assert.Len(t, p.Cores(), 4)
	assert.Equal(t, uint32(4*2048), p.L1Footprint(grid.CoreCoord{X: 1}))
	assert.Zero(t, p.L1Footprint(grid.CoreCoord{Y: 1}))

	// Grid too small.
	require.Error(t, p.Validate(grid.Size{X: 2, Y: 1}))

	// Missing runtime arguments.
	delete(p.Kernel(reader).RuntimeArgs, grid.CoreCoord{X: 3})
	require.ErrorContains(t, p.Validate(testGrid), "no runtime arguments")

	// Two readers on the same core.
	p, _ = buildUnary()
	other := p.AddKernel("reader_other", Reader, cores(grid.Rect(3, 0, 1, 2)), nil, nil)
	p.SetRuntimeArgs(other, grid.CoreCoord{X: 3}, nil)
	p.SetRuntimeArgs(other, grid.CoreCoord{X: 3, Y: 1}, nil)
	require.ErrorContains(t, p.Validate(testGrid), "two reader kernels")

	// Duplicate circular buffer.
	p, _ = buildUnary()
	p.AddTileCircularBuffer(0, cores(grid.Rect(1, 0, 1, 1)), 1, dtypes.BFloat16)
	require.ErrorContains(t, p.Validate(testGrid), "declared twice")

	// Alias larger than its target.
	p, _ = buildUnary()
	cb := p.AddTileCircularBuffer(24, cores(grid.Rect(0, 0, 4, 1)), 4, dtypes.BFloat16)
	cb.AliasOf, cb.HasAlias = 16, true
	require.ErrorContains(t, p.Validate(testGrid), "larger than")
	cb.NumPages = 2
	require.NoError(t, p.Validate(testGrid))

	// Setting arguments on a core the kernel doesn't run on is a programming error.
	require.Panics(t, func() { p.SetRuntimeArgs(reader, grid.CoreCoord{Y: 2}, nil) })
}

func TestMulticastGroups(t *testing.T) {
	p, reader := buildUnary()
	row := cores(grid.Rect(0, 0, 4, 1))
	senderSem := p.AddSemaphore(row, 0)
	receiverSem := p.AddSemaphore(row, Invalid)
	assert.Equal(t, SemaphoreBase, senderSem)
	assert.Equal(t, SemaphoreBase+SemaphoreSize, receiverSem)

	good := MulticastGroup{
		Name:              "row0",
		Sender:            grid.CoreCoord{},
		Receivers:         grid.Rect(1, 0, 3, 1),
		SenderSemaphore:   senderSem,
		ReceiverSemaphore: receiverSem,
	}
	p.AddMulticastGroup(good)
	require.NoError(t, p.Validate(testGrid))

	// Sender waiting for a number of receivers different from the group's.
	senderArgs := p.Kernel(reader).RuntimeArgs[grid.CoreCoord{}]
	counted := good
	counted.Count = &CountBinding{Kernel: reader, Arg: 2}
	p.Groups = []MulticastGroup{counted}
	require.ErrorContains(t, p.Validate(testGrid), "has 3 receivers, but runtime argument 2")
	senderArgs[2] = 3
	require.NoError(t, p.Validate(testGrid))
	counted.Count.IncludesSender = true
	require.ErrorContains(t, p.Validate(testGrid), "is 3 (expected 4)")
	counted.Count = &CountBinding{Kernel: reader, Arg: 7}
	p.Groups = []MulticastGroup{counted}
	require.ErrorContains(t, p.Validate(testGrid), "missing runtime argument 7")
	senderArgs[2] = 0

	// Receivers containing the sender.
	bad := good
	bad.Receivers = grid.Rect(0, 0, 4, 1)
	p.Groups = []MulticastGroup{bad}
	require.ErrorContains(t, p.Validate(testGrid), "within its receivers")

	// Receivers without the semaphore (and without kernels).
	bad = good
	bad.Receivers = grid.Rect(1, 0, 3, 2)
	p.Groups = []MulticastGroup{bad}
	require.ErrorContains(t, p.Validate(testGrid), "no receiver semaphore")

	// Overlapping groups on the same semaphore.
	p.Groups = []MulticastGroup{good, {Name: "again", Sender: grid.CoreCoord{X: 3}, Receivers: grid.Rect(1, 0, 2, 1),
		SenderSemaphore: senderSem, ReceiverSemaphore: receiverSem}}
	require.ErrorContains(t, p.Validate(testGrid), "belongs to multicast groups")

	for range MaxSemaphores - 2 {
		p.AddSemaphore(row, 0)
	}
	require.Panics(t, func() { p.AddSemaphore(row, 0) })
}

func TestPatchAddresses(t *testing.T) {
	p, reader := buildUnary()
	p.PatchAddresses([]uint32{0xAAA0, 0xBBB0})
	for c, args := range p.Kernel(reader).RuntimeArgs {
		assert.Equal(t, uint32(0xAAA0), args[0], "core %s", c)
	}
	assert.Equal(t, uint32(0xBBB0), p.Kernels[1].RuntimeArgs[grid.CoreCoord{X: 2}][0])
	require.Panics(t, func() { p.PatchAddresses([]uint32{1}) })
}

func TestToJSON(t *testing.T) {
	p, _ := buildUnary()
	data, err := p.ToJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "unary", decoded["name"])
	kernels := decoded["kernels"].([]any)
	require.Len(t, kernels, 3)
	assert.Equal(t, "reader", kernels[0].(map[string]any)["role"])
	args := kernels[0].(map[string]any)["runtime_args"].(map[string]any)
	assert.Contains(t, args, "2,0")

	s := p.Summarize()
	assert.Equal(t, 4, s.NumCores)
	assert.Equal(t, 1, s.KernelsPerRole["compute"])
	assert.Equal(t, uint32(4*2048), s.MaxL1Footprint)
}
