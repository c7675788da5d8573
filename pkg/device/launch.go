package device

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tilegrid/internal/allocator"
	"github.com/gomlx/tilegrid/pkg/addrgen"
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/gomlx/tilegrid/pkg/dataflow"
	"github.com/gomlx/tilegrid/pkg/program"
	"github.com/gomlx/tilegrid/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// launch is the state of one program execution. It implements dataflow.Fabric.
type launch struct {
	d     *Device
	p     *program.Program
	cores map[grid.CoreCoord]*dataflow.Core
}

var _ dataflow.Fabric = (*launch)(nil)

// cbPlacement records where a circular buffer was placed, to free it after the launch.
type cbPlacement struct {
	cb      *program.CircularBuffer
	address uint32
}

// Launch executes the program on the device and waits for all kernels to finish.
//
// The program is validated, its circular buffers are placed in the L1 of each of their cores (an
// allocation failure is returned before any kernel starts), semaphores are initialized, and then
// every kernel of every core runs concurrently. The first kernel failure is returned. If the
// context is cancelled or the device watchdog expires, blocked kernels are aborted with
// dataflow.ErrHang.
func (d *Device) Launch(ctx context.Context, p *program.Program) error {
	if err := p.Validate(d.GridSize()); err != nil {
		return err
	}
	for _, k := range p.Kernels {
		if _, found := dataflow.Lookup(k.Name); !found {
			return errors.Errorf("program %q: kernel %q is not registered", p.Name, k.Name)
		}
	}
	for _, s := range p.Semaphores {
		if s.Address+program.SemaphoreSize > d.config.L1UnreservedBase {
			return errors.Errorf("program %q: semaphore at 0x%x outside of the reserved L1 region", p.Name, s.Address)
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.Errorf("device %d is closed, can't launch program %q", d.id, p.Name)
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	d.muLaunch.Lock()
	defer d.muLaunch.Unlock()
	start := time.Now()

	placements, err := d.placeCircularBuffers(p)
	defer d.freeCircularBuffers(placements)
	if err != nil {
		return err
	}

	if d.config.WatchdogTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.WatchdogTimeout)
		defer cancel()
	}
	g, gCtx := errgroup.WithContext(ctx)
	l := &launch{d: d, p: p, cores: make(map[grid.CoreCoord]*dataflow.Core)}
	for _, c := range p.Cores() {
		noc := d.WorkerNoc(c)
		core := dataflow.NewCore(gCtx, c, noc.X, noc.Y, d.l1[d.bankIndex(c)])
		for _, placement := range placements {
			cb := placement.cb
			if cb.Cores.Contains(c) {
				core.AddCircularBuffer(cb.Index, placement.address, cb.PageSize, cb.NumPages, cb.DataFormat)
			}
		}
		for _, s := range p.Semaphores {
			if s.Cores.Contains(c) {
				core.AddSemaphore(s.Address, s.InitialValue)
			}
		}
		l.cores[c] = core
	}

	// Watchdog: wake up all blocked waits when the launch is cancelled.
	done := make(chan struct{})
	go func() {
		select {
		case <-gCtx.Done():
			for _, core := range l.cores {
				core.Wake()
			}
		case <-done:
		}
	}()

	for _, k := range p.Kernels {
		fn, _ := dataflow.Lookup(k.Name)
		for c := range k.Cores.Cores() {
			kernel := dataflow.NewKernel(k.Name, l.cores[c], l, k.CompileArgs, k.RuntimeArgs[c], k.Defines)
			g.Go(func() error {
				err := exceptions.TryCatch[error](func() { fn(kernel) })
				if err != nil {
					return errors.WithMessagef(err, "kernel %q (%s) on core %s", k.Name, k.Role, c)
				}
				return nil
			})
		}
	}
	err = g.Wait()
	close(done)
	if err != nil {
		return errors.WithMessagef(err, "device %d: launch of program %q failed", d.id, p.Name)
	}
	klog.V(1).Infof("device %d: program %q ran on %d cores in %s", d.id, p.Name, len(l.cores), time.Since(start))
	return nil
}

// placeCircularBuffers allocates every (non-alias) circular buffer at the same address on all its cores.
// It returns the placements done so far, also on error, so they can be freed.
func (d *Device) placeCircularBuffers(p *program.Program) ([]cbPlacement, error) {
	var placements []cbPlacement
	addresses := make(map[*program.CircularBuffer]uint32)
	for _, cb := range p.CircularBuffers {
		if cb.HasAlias {
			continue
		}
		var allocs []*allocator.FreeList
		for c := range cb.Cores.Cores() {
			allocs = append(allocs, d.banks.L1(c))
		}
		addr := cb.Address
		if addr == 0 {
			var err error
			if addr, err = commonFreeAddress(allocs, cb.Size()); err != nil {
				return placements, errors.WithMessagef(err,
					"program %q: circular buffer %d (%d pages of %d bytes) doesn't fit in L1", p.Name, cb.Index, cb.NumPages, cb.PageSize)
			}
		}
		var done []*allocator.FreeList
		for _, a := range allocs {
			if _, err := a.AllocateAt(addr, cb.Size()); err != nil {
				for _, undo := range done {
					_ = undo.Deallocate(addr)
				}
				return placements, errors.WithMessagef(err,
					"program %q: circular buffer %d (%d pages of %d bytes) doesn't fit in L1 at 0x%x",
					p.Name, cb.Index, cb.NumPages, cb.PageSize, addr)
			}
			done = append(done, a)
		}
		addresses[cb] = addr
		placements = append(placements, cbPlacement{cb: cb, address: addr})
		if klog.V(2).Enabled() {
			klog.Infof("program %q: circular buffer %d at 0x%x on %s", p.Name, cb.Index, addr, cb.Cores)
		}
	}
	for _, cb := range p.CircularBuffers {
		if !cb.HasAlias {
			continue
		}
		for target, addr := range addresses {
			if target.Index == cb.AliasOf && target.Cores.Contains(cb.Cores.Ranges[0].Start) {
				placements = append(placements, cbPlacement{cb: cb, address: addr})
				break
			}
		}
	}
	return placements, nil
}

// commonFreeAddress returns the lowest address where size bytes are free on all the allocators.
//
// The lowest common address is the start of a free block on one of the allocators, so only those
// are tried.
func commonFreeAddress(allocs []*allocator.FreeList, size uint32) (uint32, error) {
	candidates := sets.Make[uint32]()
	for _, a := range allocs {
		addrs := a.FreeAddresses(size)
		if len(addrs) == 0 {
			return 0, oomError(a, size)
		}
		candidates.Insert(addrs...)
	}
	for _, addr := range candidates.SortedFunc(cmp.Compare[uint32]) {
		if !slices.ContainsFunc(allocs, func(a *allocator.FreeList) bool { return !a.IsFree(addr, size) }) {
			return addr, nil
		}
	}
	tightest := allocs[0]
	for _, a := range allocs[1:] {
		if a.LargestFree() < tightest.LargestFree() {
			tightest = a
		}
	}
	return 0, errors.WithMessagef(oomError(tightest, size), "no address free on all %d cores", len(allocs))
}

func oomError(a *allocator.FreeList, size uint32) error {
	return errors.WithStack(&allocator.OutOfMemoryError{
		Resource:  a.Name(),
		Requested: uint64(size),
		Largest:   uint64(a.LargestFree()),
		Free:      uint64(a.Available()),
	})
}

// freeCircularBuffers releases the L1 taken by the circular buffers of a launch.
func (d *Device) freeCircularBuffers(placements []cbPlacement) {
	for _, placement := range placements {
		if placement.cb.HasAlias {
			continue
		}
		for c := range placement.cb.Cores.Cores() {
			if err := d.banks.L1(c).Deallocate(placement.address); err != nil {
				klog.Errorf("failed to free circular buffer %d on core %s: %+v", placement.cb.Index, c, err)
			}
		}
	}
}

// node returns the node at the NoC coordinates, panicking if there is none.
func (l *launch) node(x, y int) nocNode {
	node, found := l.d.nodes[NocCoord{x, y}]
	if !found {
		exceptions.Panicf("NoC access to (%d, %d), where there is no DRAM channel or worker core", x, y)
	}
	return node
}

func (l *launch) memoryAt(nocAddr uint64) (*memory, uint32) {
	x, y, addr := addrgen.DecodeNocAddr(nocAddr)
	node := l.node(x, y)
	if node.isCore {
		return l.d.l1[l.d.bankIndex(node.core)], addr
	}
	return l.d.dram[node.dramChannel], addr
}

// NocRead implements dataflow.Fabric.
func (l *launch) NocRead(nocAddr uint64, dst []byte) {
	mem, addr := l.memoryAt(nocAddr)
	mem.ReadAt(addr, dst)
}

// NocWrite implements dataflow.Fabric.
func (l *launch) NocWrite(nocAddr uint64, src []byte) {
	mem, addr := l.memoryAt(nocAddr)
	mem.WriteAt(addr, src)
}

// multicastCores returns the worker cores within a multicast rectangle.
func (l *launch) multicastCores(mcastAddr uint64) ([]grid.CoreCoord, uint32) {
	xStart, yStart, xEnd, yEnd, addr := addrgen.DecodeNocMulticastAddr(mcastAddr)
	if xStart > xEnd || yStart > yEnd {
		exceptions.Panicf("NoC multicast to an empty rectangle (%d, %d)-(%d, %d)", xStart, yStart, xEnd, yEnd)
	}
	var cores []grid.CoreCoord
	for y := yStart; y <= yEnd; y++ {
		for x := xStart; x <= xEnd; x++ {
			if core, ok := l.d.LogicalCore(NocCoord{x, y}); ok {
				cores = append(cores, core)
			}
		}
	}
	return cores, addr
}

// NocWriteMulticast implements dataflow.Fabric.
func (l *launch) NocWriteMulticast(mcastAddr uint64, src []byte) int {
	cores, addr := l.multicastCores(mcastAddr)
	for _, c := range cores {
		l.d.l1[l.d.bankIndex(c)].WriteAt(addr, src)
	}
	return len(cores)
}

func (l *launch) launchedCore(c grid.CoreCoord) *dataflow.Core {
	core, found := l.cores[c]
	if !found {
		exceptions.Panicf("semaphore access to core %s, which is not part of program %q", c, l.p.Name)
	}
	return core
}

// NocSemaphoreInc implements dataflow.Fabric.
func (l *launch) NocSemaphoreInc(nocAddr uint64, increment uint32) {
	x, y, addr := addrgen.DecodeNocAddr(nocAddr)
	node := l.node(x, y)
	if !node.isCore {
		exceptions.Panicf("semaphore increment on DRAM channel %d", node.dramChannel)
	}
	l.launchedCore(node.core).SemaphoreInc(addr, increment)
}

// NocSemaphoreSetMulticast implements dataflow.Fabric.
func (l *launch) NocSemaphoreSetMulticast(mcastAddr uint64, value uint32) int {
	cores, addr := l.multicastCores(mcastAddr)
	for _, c := range cores {
		l.launchedCore(c).SemaphoreSet(addr, value)
	}
	return len(cores)
}

// BankTable implements dataflow.Fabric.
func (l *launch) BankTable(isDRAM bool) (nocXY, offsets []uint32) {
	banks := l.d.l1Banks
	if isDRAM {
		banks = l.d.dramBanks
	}
	nocXY = make([]uint32, len(banks))
	offsets = make([]uint32, len(banks))
	for i, b := range banks {
		nocXY[i] = uint32(b.NocY)<<addrgen.NodeIDBits | uint32(b.NocX)
		offsets[i] = b.Offset
	}
	return
}

// DstCapacity implements dataflow.Fabric.
func (l *launch) DstCapacity() int { return l.d.config.DstTiles }
