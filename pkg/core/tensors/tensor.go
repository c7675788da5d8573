// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the Tensor: a shape, a data type, a layout and its storage.
//
// The storage is either on host, as a flat Go slice in the order of the layout, or on a device,
// as a reference-counted device.Buffer. Tensors are moved across with ToDevice and ToHost:
//
//	host := tensors.FromFlatDataAndDimensions(values, 1, 1, 64, 64)
//	tiled, err := host.ToLayout(shapes.Tile)
//	onDevice, err := tiled.ToDevice(dev, device.DefaultMemoryConfig)
//	...
//	result, err := output.ToHost()
//
// Host storage types per data type:
//
//   - Float32: []float32. It is truncated to BFloat16 when written to the device.
//   - BFloat16: []bfloat16.BFloat16.
//   - UInt32: []uint32.
//   - BFloat8B: []float32, in Tile layout. It is packed in block-float format when written to the
//     device, and unpacked when read back.
//
// A device buffer is shared by all tensors created with Share: it is deallocated when the last of
// them is released (with Release, or when garbage collected), or explicitly with Deallocate.
package tensors

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tensor is a multidimensional array with a data type and a physical layout, stored either on host
// or on a device.
//
// The shape, data type and layout are immutable: conversions return new tensors.
type Tensor struct {
	shape  shapes.Shape
	dtype  dtypes.DataType
	layout shapes.Layout

	// mu protects host and onDevice.
	mu sync.Mutex

	// host is a flat slice, see package documentation for its type.
	host any

	onDevice *onDevice
}

// onDevice holds one reference to a device buffer.
type onDevice struct {
	buffer   *device.Buffer
	released atomic.Bool
}

// release drops the reference, only once.
func (d *onDevice) release() error {
	if d.released.Swap(true) || !d.buffer.IsAllocated() {
		return nil
	}
	return d.buffer.Release()
}

func newOnDevice(t *Tensor, buffer *device.Buffer) {
	d := &onDevice{buffer: buffer}
	t.onDevice = d
	runtime.AddCleanup(t, func(d *onDevice) {
		if err := d.release(); err != nil {
			klog.Errorf("releasing device buffer of garbage collected tensor: %+v", err)
		}
	}, d)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the data type of the tensor.
func (t *Tensor) DType() dtypes.DataType { return t.dtype }

// Layout returns the physical layout of the tensor.
func (t *Tensor) Layout() shapes.Layout { return t.layout }

// Volume is the number of elements of the tensor.
func (t *Tensor) Volume() int { return t.shape.Volume() }

// IsOnDevice returns whether the tensor is stored on a device and the buffer is still allocated.
func (t *Tensor) IsOnDevice() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onDevice != nil && !t.onDevice.released.Load() && t.onDevice.buffer.IsAllocated()
}

// IsOnHost returns whether the tensor holds host data.
func (t *Tensor) IsOnHost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.host != nil
}

// Buffer returns the device buffer of the tensor, or nil if it is not on a device.
// The reference is still owned by the tensor.
func (t *Tensor) Buffer() *device.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.onDevice == nil || t.onDevice.released.Load() {
		return nil
	}
	return t.onDevice.buffer
}

// Device returns the device holding the tensor, or nil for host tensors.
func (t *Tensor) Device() *device.Device {
	if b := t.Buffer(); b != nil {
		return b.Device()
	}
	return nil
}

// MemoryConfig of the device buffer. It returns the default memory configuration for host tensors.
func (t *Tensor) MemoryConfig() device.MemoryConfig {
	if b := t.Buffer(); b != nil {
		return b.MemoryConfig()
	}
	return device.DefaultMemoryConfig
}

// CheckValid returns an error if the tensor has no storage or its storage is inconsistent with
// its shape, data type and layout.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("tensor is nil")
	}
	if err := t.shape.Validate(t.dtype, t.layout); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.host != nil:
		if n := flatLen(t.host); n != t.shape.Volume() {
			return errors.Errorf("tensor %s has %d host values", t, n)
		}
	case t.onDevice != nil:
		if t.onDevice.released.Load() || !t.onDevice.buffer.IsAllocated() {
			return errors.Errorf("tensor %s: device buffer was deallocated", t)
		}
		want := t.shape.DeviceByteSize(t.dtype, t.layout)
		if got := int(t.onDevice.buffer.Size()); got != want {
			return errors.Errorf("tensor %s: device buffer has %d bytes, it should have exactly %d", t, got, want)
		}
	default:
		return errors.Errorf("tensor %s has no storage", t)
	}
	return nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	return fmt.Sprintf("(%s)%s[%s]", t.dtype, t.shape, t.layout)
}

// Share returns a new tensor holding the same data. Device tensors share the buffer, which gets an
// extra reference. Host tensors are deep-copied.
func (t *Tensor) Share() (*Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	shared := &Tensor{shape: t.shape.Clone(), dtype: t.dtype, layout: t.layout}
	switch {
	case t.host != nil:
		shared.host = cloneFlat(t.host)
	case t.onDevice != nil && !t.onDevice.released.Load() && t.onDevice.buffer.IsAllocated():
		newOnDevice(shared, t.onDevice.buffer.Retain())
	default:
		return nil, errors.Errorf("Share(%s): tensor has no storage", t)
	}
	return shared, nil
}

// Release drops the tensor's reference to its device buffer, deallocating it if it was the last
// one. The host data is also dropped. It is a no-op if called more than once.
func (t *Tensor) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.host = nil
	if t.onDevice == nil {
		return nil
	}
	return t.onDevice.release()
}

// Deallocate frees the device buffer immediately, even if other tensors share it. Those tensors
// become invalid.
func (t *Tensor) Deallocate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.host = nil
	if t.onDevice == nil {
		return nil
	}
	t.onDevice.released.Store(true)
	return t.onDevice.buffer.Deallocate()
}
