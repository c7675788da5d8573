package tensors

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tiles"
	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// deviceDataType is the data type a tensor has once on the device: Float32 is stored as BFloat16.
func deviceDataType(dt dtypes.DataType) dtypes.DataType {
	if dt == dtypes.Float32 {
		return dtypes.BFloat16
	}
	return dt
}

// AllocateOnDevice creates an uninitialized device tensor, typically the output of an operation.
// Its buffer is split in pages of one unit (tile or stick).
func AllocateOnDevice(d *device.Device, shape shapes.Shape, dt dtypes.DataType, layout shapes.Layout,
	memConfig device.MemoryConfig) (*Tensor, error) {
	if err := shape.ValidateDevice(dt, layout); err != nil {
		return nil, err
	}
	size := shape.DeviceByteSize(dt, layout)
	if size == 0 {
		return nil, errors.Errorf("cannot allocate an empty tensor of shape %s on device", shape)
	}
	if size > math.MaxUint32 {
		return nil, errors.Errorf("(%s)%s[%s] tensor requires %s (%d bytes), device buffers are limited to %s",
			dt, shape, layout, humanize.IBytes(uint64(size)), size, humanize.IBytes(math.MaxUint32))
	}
	buffer, err := d.CreateBuffer(uint32(size), uint32(shape.UnitSize(dt, layout)), memConfig)
	if err != nil {
		return nil, err
	}
	t := &Tensor{shape: shape.Clone(), dtype: dt, layout: layout}
	newOnDevice(t, buffer)
	return t, nil
}

// FromBuffer creates a device tensor that takes over one reference of buffer. The buffer size must
// match exactly the size of the shape in the given data type and layout.
func FromBuffer(buffer *device.Buffer, shape shapes.Shape, dt dtypes.DataType, layout shapes.Layout) (*Tensor, error) {
	if err := shape.ValidateDevice(dt, layout); err != nil {
		return nil, err
	}
	if want := shape.DeviceByteSize(dt, layout); int(buffer.Size()) != want {
		return nil, errors.Errorf("buffer %s has %d bytes, a (%s)%s[%s] tensor requires exactly %d",
			buffer, buffer.Size(), dt, shape, layout, want)
	}
	t := &Tensor{shape: shape.Clone(), dtype: dt, layout: layout}
	newOnDevice(t, buffer)
	return t, nil
}

// ToDevice writes the host tensor to a new buffer on the device. Float32 tensors become BFloat16,
// with the lower mantissa bits truncated.
func (t *Tensor) ToDevice(d *device.Device, memConfig device.MemoryConfig) (*Tensor, error) {
	flat, err := t.hostData()
	if err != nil {
		return nil, err
	}
	dt := deviceDataType(t.dtype)
	onDevice, err := AllocateOnDevice(d, t.shape, dt, t.layout, memConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "ToDevice(%s)", t)
	}
	data, err := encode(t.dtype, flat)
	if err == nil {
		err = d.WriteBuffer(onDevice.Buffer(), data)
	}
	if err != nil {
		_ = onDevice.Deallocate()
		return nil, errors.WithMessagef(err, "ToDevice(%s)", t)
	}
	if klog.V(2).Enabled() {
		klog.Infof("tensor %s written to %s", t, onDevice.Buffer())
	}
	return onDevice, nil
}

// ToHost reads a device tensor back into a new host tensor. Host tensors are returned as is.
func (t *Tensor) ToHost() (*Tensor, error) {
	if t.IsOnHost() {
		return t, nil
	}
	buffer := t.Buffer()
	if buffer == nil || !buffer.IsAllocated() {
		return nil, errors.Errorf("ToHost(%s): tensor has no storage", t)
	}
	data, err := buffer.Device().ReadBuffer(buffer, 0, buffer.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "ToHost(%s)", t)
	}
	flat, err := decode(t.dtype, data)
	if err != nil {
		return nil, errors.WithMessagef(err, "ToHost(%s)", t)
	}
	return &Tensor{shape: t.shape.Clone(), dtype: t.dtype, layout: t.layout, host: flat}, nil
}

// encode host values to the bytes written to the device.
func encode(dt dtypes.DataType, flat any) ([]byte, error) {
	switch f := flat.(type) {
	case []float32:
		if dt == dtypes.BFloat8B {
			return tiles.PackBFloat8B(f), nil
		}
		return tiles.BFloat16ToBytes(tiles.TruncateFloat32(f)), nil
	case []bfloat16.BFloat16:
		return tiles.BFloat16ToBytes(f), nil
	case []uint32:
		return tiles.Uint32ToBytes(f), nil
	}
	return nil, errors.Errorf("cannot encode host data of type %T", flat)
}

func decode(dt dtypes.DataType, data []byte) (any, error) {
	switch dt {
	case dtypes.BFloat16:
		return tiles.BytesToBFloat16(data), nil
	case dtypes.UInt32:
		return tiles.BytesToUint32(data), nil
	case dtypes.BFloat8B:
		return tiles.UnpackBFloat8B(data), nil
	}
	return nil, errors.Errorf("cannot decode device data of type %s", dt)
}
