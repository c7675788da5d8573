package dataflow

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Fabric is the network-on-chip as seen by the kernels: it routes NoC addresses (see NocAddr) to
// DRAM channels or to the L1 of other cores.
type Fabric interface {
	// NocRead copies len(dst) bytes from the NoC address.
	NocRead(nocAddr uint64, dst []byte)

	// NocWrite copies src to the NoC address.
	NocWrite(nocAddr uint64, src []byte)

	// NocWriteMulticast writes src to the same address on every worker core of the multicast
	// rectangle, and returns the number of cores written.
	NocWriteMulticast(mcastAddr uint64, src []byte) int

	// NocSemaphoreInc atomically increments the semaphore at the NoC address.
	NocSemaphoreInc(nocAddr uint64, increment uint32)

	// NocSemaphoreSetMulticast sets the semaphore at the same address on every worker core of the
	// multicast rectangle, and returns the number of cores written.
	NocSemaphoreSetMulticast(mcastAddr uint64, value uint32) int

	// BankTable returns, for each DRAM channel (isDRAM) or L1 bank, the packed NoC coordinates
	// (y<<6 | x) and the bank address offset.
	BankTable(isDRAM bool) (nocXY, offsets []uint32)

	// DstCapacity is the number of tiles of the compute destination registers.
	DstCapacity() int
}

// KernelFunc implements a kernel. Failures are reported by panicking, and the launch converts
// them to errors.
type KernelFunc func(k *Kernel)

var (
	muRegistry sync.Mutex
	registry   = make(map[string]KernelFunc)
)

// Register a kernel implementation under a name. Registering the same name twice panics.
func Register(name string, fn KernelFunc) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[name]; found {
		exceptions.Panicf("dataflow.Register: kernel %q already registered", name)
	}
	registry[name] = fn
}

// Lookup returns the kernel registered under name.
func Lookup(name string) (KernelFunc, bool) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	fn, found := registry[name]
	return fn, found
}

// Registered returns the sorted names of all registered kernels.
func Registered() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Kernel is the execution context of one kernel on one core.
type Kernel struct {
	Name   string
	Core   *Core
	Fabric Fabric

	compileArgs, args []uint32
	defines           map[string]string

	dst *Dst
}

// NewKernel creates the context to run the named kernel on a core.
func NewKernel(name string, core *Core, fabric Fabric, compileArgs, args []uint32, defines map[string]string) *Kernel {
	return &Kernel{
		Name:        name,
		Core:        core,
		Fabric:      fabric,
		compileArgs: compileArgs,
		args:        args,
		defines:     defines,
	}
}

// Arg returns the i-th runtime argument.
func (k *Kernel) Arg(i int) uint32 {
	if i < 0 || i >= len(k.args) {
		exceptions.Panicf("kernel %q on %s: runtime argument %d requested, but only %d given", k.Name, k.Core, i, len(k.args))
	}
	return k.args[i]
}

// IntArg returns the i-th runtime argument converted to int.
func (k *Kernel) IntArg(i int) int { return int(k.Arg(i)) }

// NumArgs returns the number of runtime arguments.
func (k *Kernel) NumArgs() int { return len(k.args) }

// CompileArg returns the i-th compile-time argument.
func (k *Kernel) CompileArg(i int) uint32 {
	if i < 0 || i >= len(k.compileArgs) {
		exceptions.Panicf("kernel %q on %s: compile-time argument %d requested, but only %d given",
			k.Name, k.Core, i, len(k.compileArgs))
	}
	return k.compileArgs[i]
}

// IntCompileArg returns the i-th compile-time argument converted to int.
func (k *Kernel) IntCompileArg(i int) int { return int(k.CompileArg(i)) }

// Define returns the value of a compile-time define.
func (k *Kernel) Define(name string) (string, bool) {
	v, found := k.defines[name]
	return v, found
}

// CB returns the circular buffer of the kernel's core.
func (k *Kernel) CB(index int) *CircularBuffer {
	return k.Core.CB(index)
}

// ReadL1 returns a copy of size bytes of local L1 at addr.
func (k *Kernel) ReadL1(addr, size uint32) []byte {
	buf := make([]byte, size)
	k.Core.L1.ReadAt(addr, buf)
	return buf
}

// WriteL1 writes data to local L1 at addr.
func (k *Kernel) WriteL1(addr uint32, data []byte) {
	k.Core.L1.WriteAt(addr, data)
}

// NocAddr returns the NoC address of addr at the node with physical coordinates (x, y).
func (k *Kernel) NocAddr(x, y, addr uint32) uint64 {
	return uint64(y<<nocNodeBits|x)<<32 | uint64(addr)
}

// NocMulticastAddr returns the NoC address of addr on the rectangle of nodes (xStart, yStart)-(xEnd, yEnd).
func (k *Kernel) NocMulticastAddr(xStart, yStart, xEnd, yEnd, addr uint32) uint64 {
	return uint64(xStart<<(2*nocNodeBits)|yStart<<(3*nocNodeBits)|xEnd|yEnd<<nocNodeBits)<<32 | uint64(addr)
}

// LocalNocAddr returns the NoC address of addr in the kernel's own core.
func (k *Kernel) LocalNocAddr(addr uint32) uint64 {
	return k.NocAddr(uint32(k.Core.NocX), uint32(k.Core.NocY), addr)
}

// ReadAsync starts a NoC read of size bytes from src into local L1 at dstAddr.
// Data is only guaranteed to be there after ReadBarrier.
func (k *Kernel) ReadAsync(src uint64, dstAddr, size uint32) {
	buf := make([]byte, size)
	k.Fabric.NocRead(src, buf)
	k.Core.L1.WriteAt(dstAddr, buf)
}

// ReadBarrier waits for all NoC reads issued by the kernel.
func (k *Kernel) ReadBarrier() {}

// WriteAsync starts a NoC write of size bytes from local L1 at srcAddr to dst.
func (k *Kernel) WriteAsync(srcAddr uint32, dst uint64, size uint32) {
	k.Fabric.NocWrite(dst, k.ReadL1(srcAddr, size))
}

// WriteMulticast writes size bytes from local L1 at srcAddr to all numDests cores of the multicast
// address.
func (k *Kernel) WriteMulticast(srcAddr uint32, mcastAddr uint64, size uint32, numDests int) {
	n := k.Fabric.NocWriteMulticast(mcastAddr, k.ReadL1(srcAddr, size))
	if n != numDests {
		exceptions.Panicf("kernel %q on %s: multicast reached %d cores, expected %d", k.Name, k.Core, n, numDests)
	}
}

// WriteBarrier waits for all NoC writes issued by the kernel to complete.
func (k *Kernel) WriteBarrier() {}

// SemaphoreWait blocks until the local semaphore at addr equals value.
func (k *Kernel) SemaphoreWait(addr, value uint32) {
	if klog.V(3).Enabled() {
		klog.Infof("kernel %q on %s: waiting semaphore 0x%x == %d", k.Name, k.Core, addr, value)
	}
	k.Core.SemaphoreWait(addr, value)
}

// SemaphoreSet sets the local semaphore at addr.
func (k *Kernel) SemaphoreSet(addr, value uint32) {
	k.Core.SemaphoreSet(addr, value)
}

// SemaphoreInc atomically increments a (possibly remote) semaphore.
func (k *Kernel) SemaphoreInc(nocAddr uint64, increment uint32) {
	k.Fabric.NocSemaphoreInc(nocAddr, increment)
}

// SemaphoreSetMulticast copies the value of the local semaphore at srcAddr to the semaphores of
// all numDests cores of the multicast address.
func (k *Kernel) SemaphoreSetMulticast(srcAddr uint32, mcastAddr uint64, numDests int) {
	n := k.Fabric.NocSemaphoreSetMulticast(mcastAddr, k.Core.SemaphoreValue(srcAddr))
	if n != numDests {
		exceptions.Panicf("kernel %q on %s: semaphore multicast reached %d cores, expected %d", k.Name, k.Core, n, numDests)
	}
}
