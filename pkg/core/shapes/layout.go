// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Layout is the physical arrangement of the elements of a tensor.
type Layout int

const (
	RowMajor Layout = iota
	Tile
	ChannelsLast
)

var layoutNames = [...]string{"RowMajor", "Tile", "ChannelsLast"}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l < 0 || int(l) >= len(layoutNames) {
		return "InvalidLayout"
	}
	return layoutNames[l]
}

// ParseLayout accepts the names returned by Layout.String, and the device tooling names
// ("ROW_MAJOR", "TILE", "CHANNELS_LAST").
func ParseLayout(name string) (Layout, error) {
	switch name {
	case "RowMajor", "ROW_MAJOR", "row_major":
		return RowMajor, nil
	case "Tile", "TILE", "tile":
		return Tile, nil
	case "ChannelsLast", "CHANNELS_LAST", "channels_last":
		return ChannelsLast, nil
	}
	return RowMajor, errors.Errorf("unknown layout %q", name)
}

// ErrInvalidLayout is wrapped by all errors returned by Validate and ValidateDevice.
var ErrInvalidLayout = errors.New("invalid layout")

// Validate checks that the shape, data type and layout are consistent.
//
// Tile requires the last two dimensions to be multiples of 32. ChannelsLast requires a rank-4 shape.
// BFloat8B only exists in Tile layout.
func (s Shape) Validate(dt dtypes.DataType, layout Layout) error {
	if !dt.IsSupported() {
		return errors.Wrapf(ErrInvalidLayout, "unsupported data type %s", dt)
	}
	switch layout {
	case Tile:
		if !s.IsTileAligned() {
			return errors.Wrapf(ErrInvalidLayout, "shape %s in Tile layout must have its last two dimensions "+
				"multiple of %d", s, dtypes.TileHeight)
		}
	case ChannelsLast:
		if s.Rank() != 4 {
			return errors.Wrapf(ErrInvalidLayout, "ChannelsLast layout requires a rank-4 shape, got %s", s)
		}
	case RowMajor:
		if s.Rank() < 1 {
			return errors.Wrapf(ErrInvalidLayout, "RowMajor layout requires rank >= 1, got a scalar")
		}
	default:
		return errors.Wrapf(ErrInvalidLayout, "unknown layout %d", int(layout))
	}
	if dt == dtypes.BFloat8B && layout != Tile {
		return errors.Wrapf(ErrInvalidLayout, "BFloat8B requires Tile layout, got %s", layout)
	}
	return nil
}

// ValidateDevice checks that the combination can reside on the device.
//
// BFloat16 is legal in every layout, BFloat8B only in Tile and UInt32 in RowMajor or Tile.
// Float32 is host-only: it must be converted (truncated) to BFloat16 before device placement.
// Sticks must be a multiple of 4 bytes, since the device moves 32 bits words.
func (s Shape) ValidateDevice(dt dtypes.DataType, layout Layout) error {
	if err := s.Validate(dt, layout); err != nil {
		return err
	}
	switch dt {
	case dtypes.Float32:
		return errors.Wrapf(ErrInvalidLayout, "Float32 is host-only, convert it to BFloat16 before placing it on device")
	case dtypes.UInt32:
		if layout == ChannelsLast {
			return errors.Wrapf(ErrInvalidLayout, "UInt32 is not supported on device in ChannelsLast layout")
		}
	}
	if layout != Tile {
		stick := s.stickLength(layout) * dt.DeviceSize()
		if stick%4 != 0 {
			return errors.Wrapf(ErrInvalidLayout, "stick of %d bytes (shape %s, %s, %s) is not a multiple of 4 bytes",
				stick, s, dt, layout)
		}
	}
	return nil
}

// stickLength is the number of elements in one stick.
func (s Shape) stickLength(layout Layout) int {
	if layout == ChannelsLast {
		return s.C()
	}
	return s.W()
}

// DeviceByteSize is the number of bytes the tensor occupies on the device.
// Float32 is counted as BFloat16, since that is what is written.
func (s Shape) DeviceByteSize(dt dtypes.DataType, layout Layout) int {
	if layout == Tile {
		return s.NumTiles() * dt.TileSize()
	}
	return s.Volume() * dt.DeviceSize()
}

// HostByteSize is the number of bytes the tensor occupies on the host.
func (s Shape) HostByteSize(dt dtypes.DataType) int {
	return s.Volume() * dt.HostSize()
}

// UnitSize is the size in bytes of the smallest addressable transfer chunk on the device: one tile
// for Tile layout, one stick otherwise.
func (s Shape) UnitSize(dt dtypes.DataType, layout Layout) int {
	if layout == Tile {
		return dt.TileSize()
	}
	return s.stickLength(layout) * dt.DeviceSize()
}

// NumUnits is the number of transfer units (tiles or sticks) of the tensor on the device.
func (s Shape) NumUnits(dt dtypes.DataType, layout Layout) int {
	unit := s.UnitSize(dt, layout)
	if unit == 0 {
		return 0
	}
	return s.DeviceByteSize(dt, layout) / unit
}
