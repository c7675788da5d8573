package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tiles"
	"github.com/pkg/errors"
)

// Supported Go types for host data.
type Supported interface {
	float32 | bfloat16.BFloat16 | uint32
}

// DataTypeFor returns the data type of the Go type T.
func DataTypeFor[T Supported]() dtypes.DataType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return dtypes.Float32
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	case uint32:
		return dtypes.UInt32
	}
	return dtypes.InvalidDataType
}

// FromFlatDataAndDimensions creates a host tensor in RowMajor layout from a copy of data.
// It panics if the number of values doesn't match the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	return FromFlatData(data, shapes.RowMajor, dimensions...)
}

// FromFlatData creates a host tensor from a copy of data, which must be already in the given layout.
// It panics if the number of values doesn't match the dimensions.
func FromFlatData[T Supported](data []T, layout shapes.Layout, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Volume() {
		exceptions.Panicf("tensors.FromFlatData: %d values given for shape %s", len(data), shape)
	}
	return &Tensor{shape: shape, dtype: DataTypeFor[T](), layout: layout, host: slices.Clone(data)}
}

// Full creates a host tensor in RowMajor layout with all values set to value.
func Full[T Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	data := make([]T, shape.Volume())
	for i := range data {
		data[i] = value
	}
	return &Tensor{shape: shape, dtype: DataTypeFor[T](), layout: shapes.RowMajor, host: data}
}

// FromShape creates a zero-filled host tensor.
func FromShape(dt dtypes.DataType, layout shapes.Layout, shape shapes.Shape) (*Tensor, error) {
	if err := shape.Validate(dt, layout); err != nil {
		return nil, err
	}
	return &Tensor{shape: shape.Clone(), dtype: dt, layout: layout, host: makeFlat(dt, shape.Volume())}, nil
}

func makeFlat(dt dtypes.DataType, n int) any {
	switch dt {
	case dtypes.Float32, dtypes.BFloat8B:
		return make([]float32, n)
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, n)
	case dtypes.UInt32:
		return make([]uint32, n)
	}
	exceptions.Panicf("tensors: no host storage for data type %s", dt)
	return nil
}

func flatLen(flat any) int {
	switch f := flat.(type) {
	case []float32:
		return len(f)
	case []bfloat16.BFloat16:
		return len(f)
	case []uint32:
		return len(f)
	}
	return -1
}

func cloneFlat(flat any) any {
	switch f := flat.(type) {
	case []float32:
		return slices.Clone(f)
	case []bfloat16.BFloat16:
		return slices.Clone(f)
	case []uint32:
		return slices.Clone(f)
	}
	exceptions.Panicf("tensors: unknown host storage %T", flat)
	return nil
}

// hostData returns the host flat slice, or an error if the tensor is not on host.
func (t *Tensor) hostData() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return nil, errors.Errorf("tensor %s is not on host, use ToHost first", t)
	}
	return t.host, nil
}

// CopyFlatData returns a copy of the host values of t, in the order of its layout.
// T must match the host storage type of the tensor's data type.
func CopyFlatData[T Supported](t *Tensor) ([]T, error) {
	flat, err := t.hostData()
	if err != nil {
		return nil, err
	}
	values, ok := flat.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("tensor %s holds %T, not []%T", t, flat, zero)
	}
	return slices.Clone(values), nil
}

// Float32s returns the host values converted to float32, in the order of the tensor's layout.
func (t *Tensor) Float32s() ([]float32, error) {
	flat, err := t.hostData()
	if err != nil {
		return nil, err
	}
	switch f := flat.(type) {
	case []float32:
		return slices.Clone(f), nil
	case []bfloat16.BFloat16:
		return tiles.BFloat16ToFloat32(f), nil
	case []uint32:
		out := make([]float32, len(f))
		for i, v := range f {
			out[i] = float32(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("tensor %s: unknown host storage %T", t, flat)
}

// RowMajorFloat32s returns the values converted to float32 in row-major order, regardless of the
// tensor's layout. The tensor must be on host.
func (t *Tensor) RowMajorFloat32s() ([]float32, error) {
	rowMajor, err := t.ToLayout(shapes.RowMajor)
	if err != nil {
		return nil, err
	}
	return rowMajor.Float32s()
}

// ToLayout returns a host tensor with the data rearranged in the given layout.
// It returns t itself if it is already in that layout.
func (t *Tensor) ToLayout(layout shapes.Layout) (*Tensor, error) {
	flat, err := t.hostData()
	if err != nil {
		return nil, err
	}
	if layout == t.layout {
		return t, nil
	}
	if t.dtype == dtypes.BFloat8B {
		return nil, errors.Errorf("ToLayout(%s) of %s: BFloat8B only exists in Tile layout", layout, t)
	}
	if err := t.shape.Validate(t.dtype, layout); err != nil {
		return nil, errors.WithMessagef(err, "ToLayout(%s) of %s", layout, t)
	}
	var converted any
	switch f := flat.(type) {
	case []float32:
		converted = convertLayout(f, t.shape, t.layout, layout)
	case []bfloat16.BFloat16:
		converted = convertLayout(f, t.shape, t.layout, layout)
	case []uint32:
		converted = convertLayout(f, t.shape, t.layout, layout)
	}
	return &Tensor{shape: t.shape.Clone(), dtype: t.dtype, layout: layout, host: converted}, nil
}

// convertLayout goes through RowMajor when converting between Tile and ChannelsLast.
func convertLayout[T any](data []T, shape shapes.Shape, from, to shapes.Layout) []T {
	switch from {
	case shapes.Tile:
		data = tiles.Untilize(data, shape)
	case shapes.ChannelsLast:
		data = tiles.FromChannelsLast(data, shape)
	}
	switch to {
	case shapes.Tile:
		data = tiles.Tilize(data, shape)
	case shapes.ChannelsLast:
		data = tiles.ToChannelsLast(data, shape)
	}
	return data
}

// AsType converts a host tensor to another data type.
//
// Float32 to BFloat16 truncates the lower 16 bits of the mantissa, as the device does.
// Conversion to BFloat8B requires the Tile layout; values are kept unpacked until written to a device.
func (t *Tensor) AsType(dt dtypes.DataType) (*Tensor, error) {
	if dt == t.dtype {
		return t, nil
	}
	if dt == dtypes.BFloat8B && t.layout != shapes.Tile {
		return nil, errors.Errorf("AsType(%s) of %s: BFloat8B requires Tile layout", dt, t)
	}
	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	converted := &Tensor{shape: t.shape.Clone(), dtype: dt, layout: t.layout}
	switch dt {
	case dtypes.Float32, dtypes.BFloat8B:
		converted.host = values
	case dtypes.BFloat16:
		converted.host = tiles.TruncateFloat32(values)
	case dtypes.UInt32:
		out := make([]uint32, len(values))
		for i, v := range values {
			out[i] = uint32(v)
		}
		converted.host = out
	default:
		return nil, errors.Errorf("AsType(%s) of %s: unsupported data type", dt, t)
	}
	return converted, nil
}

// PadToTile returns a host RowMajor tensor with its last two dimensions padded up to multiples
// of 32, filling the new positions with value.
func (t *Tensor) PadToTile(value float32) (*Tensor, error) {
	return t.Pad(t.shape.PaddedToTile(false), value)
}

// Pad returns a host RowMajor tensor of the larger shape `to`, with the data of t in its
// top-left corner and value everywhere else.
func (t *Tensor) Pad(to shapes.Shape, value float32) (*Tensor, error) {
	flat, err := t.hostData()
	if err != nil {
		return nil, err
	}
	if t.layout != shapes.RowMajor {
		return nil, errors.Errorf("Pad(%s) of %s: padding requires RowMajor layout", to, t)
	}
	var padded any
	err = exceptions.TryCatch[error](func() {
		switch f := flat.(type) {
		case []float32:
			padded = tiles.Pad(f, t.shape, to, value)
		case []bfloat16.BFloat16:
			padded = tiles.Pad(f, t.shape, to, dtypes.TruncateToBFloat16(value))
		case []uint32:
			padded = tiles.Pad(f, t.shape, to, uint32(value))
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Pad(%s) of %s", to, t)
	}
	return &Tensor{shape: to.Clone(), dtype: t.dtype, layout: t.layout, host: padded}, nil
}

// UnpadFromTile returns a host RowMajor tensor with the top-left corner of shape `to`.
func (t *Tensor) UnpadFromTile(to shapes.Shape) (*Tensor, error) {
	flat, err := t.hostData()
	if err != nil {
		return nil, err
	}
	if t.layout != shapes.RowMajor {
		return nil, errors.Errorf("UnpadFromTile(%s) of %s: unpadding requires RowMajor layout", to, t)
	}
	var unpadded any
	err = exceptions.TryCatch[error](func() {
		switch f := flat.(type) {
		case []float32:
			unpadded = tiles.Unpad(f, t.shape, to)
		case []bfloat16.BFloat16:
			unpadded = tiles.Unpad(f, t.shape, to)
		case []uint32:
			unpadded = tiles.Unpad(f, t.shape, to)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "UnpadFromTile(%s) of %s", to, t)
	}
	return &Tensor{shape: to.Clone(), dtype: t.dtype, layout: t.layout, host: unpadded}, nil
}
