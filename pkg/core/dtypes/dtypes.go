// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes defines the DataType enum of the values the accelerator stores and computes with.
//
// Only a handful of types are supported by the device:
//
//   - BFloat16: 16 bits brain float, the native compute type.
//   - Float32: host-side type. It is truncated to BFloat16 when written to the device (the lower 16
//     bits of the mantissa are dropped, no rounding).
//   - UInt32: raw 32 bits words, moved around without conversion.
//   - BFloat8B: block-float with 8 bits per element (sign + 7 bits mantissa) and one shared exponent
//     byte per group of 16 elements. It only exists packed in tiles of 1088 bytes.
package dtypes

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
)

// DataType of the elements of a tensor.
type DataType int32

const (
	InvalidDataType DataType = iota
	Float32
	BFloat16
	UInt32
	BFloat8B
)

// Tile geometry shared by all data types.
const (
	TileHeight = 32
	TileWidth  = 32
	TileHW     = TileHeight * TileWidth
	FaceHeight = 16
	FaceWidth  = 16
	FaceHW     = FaceHeight * FaceWidth

	// BFloat8BTileSize is the packed size of one BFloat8B tile: 64 shared exponent bytes (one per
	// 16 elements) followed by 1024 sign+mantissa bytes.
	BFloat8BTileSize = TileHW/16 + TileHW
)

var dataTypeNames = map[DataType]string{
	InvalidDataType: "InvalidDataType",
	Float32:         "Float32",
	BFloat16:        "BFloat16",
	UInt32:          "UInt32",
	BFloat8B:        "BFloat8B",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return "DataType(" + strconv.Itoa(int(dt)) + ")"
}

// MapOfNames maps names (and lower-case names) to the DataType. Also accepts the all-caps names
// used by the device tooling ("BFLOAT16", "BFLOAT8_B", ...).
var MapOfNames = map[string]DataType{}

func init() {
	for dt, name := range dataTypeNames {
		if dt == InvalidDataType {
			continue
		}
		MapOfNames[name] = dt
		MapOfNames[strings.ToLower(name)] = dt
	}
	MapOfNames["FLOAT32"] = Float32
	MapOfNames["BFLOAT16"] = BFloat16
	MapOfNames["UINT32"] = UInt32
	MapOfNames["BFLOAT8_B"] = BFloat8B
}

// Parse a DataType from its name.
func Parse(name string) (DataType, error) {
	if dt, found := MapOfNames[name]; found {
		return dt, nil
	}
	return InvalidDataType, errors.Errorf("unknown data type %q", name)
}

// IsSupported returns whether dt is one of the known data types.
func (dt DataType) IsSupported() bool {
	return dt >= Float32 && dt <= BFloat8B
}

// IsFloat returns whether the data type holds floating point values.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == BFloat16 || dt == BFloat8B
}

// HostSize is the number of bytes of one element in host memory.
// BFloat8B is kept unpacked as float32 on host.
func (dt DataType) HostSize() int {
	switch dt {
	case Float32, UInt32, BFloat8B:
		return 4
	case BFloat16:
		return 2
	}
	return 0
}

// DeviceSize is the number of bytes of one element once written to the device.
// Float32 is stored as BFloat16 on the device. It returns 0 for BFloat8B, since it only has a
// per-tile size, see TileSize.
func (dt DataType) DeviceSize() int {
	switch dt {
	case Float32, BFloat16:
		return 2
	case UInt32:
		return 4
	}
	return 0
}

// TileSize is the number of bytes of one 32x32 tile on the device.
func (dt DataType) TileSize() int {
	if dt == BFloat8B {
		return BFloat8BTileSize
	}
	return dt.DeviceSize() * TileHW
}

// TruncateToBFloat16 converts a float32 to BFloat16 by dropping the lower 16 bits of the mantissa.
// This is what the device does on write, and it is not the same as rounding.
func TruncateToBFloat16(f float32) bfloat16.BFloat16 {
	return bfloat16.BFloat16(uint16(math.Float32bits(f) >> 16))
}

// MarshalText implements encoding.TextMarshaler.
func (dt DataType) MarshalText() ([]byte, error) {
	return []byte(dt.String()), nil
}
