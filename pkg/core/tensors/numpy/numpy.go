// Package numpy reads and writes host tensors in NumPy's .npy and .npz file formats.
//
// Only little-endian, C-ordered float32 ('<f4') and uint32 ('<u4') arrays are supported.
// BFloat16 and BFloat8B tensors are written as float32. Tensors are always written in row-major
// order, regardless of their layout.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/gomlx/tilegrid/pkg/core/tiles"
	"github.com/pkg/errors"
)

const magic = "\x93NUMPY"

// FromNpyFile reads a .npy file into a RowMajor host tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a .npy stream into a RowMajor host tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	preamble := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy preamble")
	}
	if string(preamble[:len(magic)]) != magic {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	var headerLen uint32
	switch major := preamble[len(magic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length")
		}
		headerLen = uint32(n)
	case 2, 3:
		if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length")
		}
	default:
		return nil, errors.Errorf("unsupported .npy version %d.%d", major, preamble[len(magic)+1])
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	descr, dims, fortranOrder, err := parseNpyHeader(string(header))
	if err != nil {
		return nil, err
	}
	if fortranOrder && len(dims) > 1 {
		return nil, errors.Errorf(".npy arrays in Fortran order are not supported")
	}
	shape := shapes.Make(dims...)
	data := make([]byte, shape.Volume()*4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	switch descr {
	case "<f4":
		words := tiles.BytesToUint32(data)
		values := make([]float32, len(words))
		for i, w := range words {
			values[i] = math.Float32frombits(w)
		}
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case "<u4", "|u4":
		return tensors.FromFlatDataAndDimensions(tiles.BytesToUint32(data), dims...), nil
	}
	return nil, errors.Errorf("unsupported NumPy dtype %q, only '<f4' and '<u4' are supported", descr)
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader parses headers like "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }".
func parseNpyHeader(header string) (descr string, dims []int, fortranOrder bool, err error) {
	m := reDescr.FindStringSubmatch(header)
	if len(m) < 2 {
		return "", nil, false, errors.Errorf("could not find 'descr' in header %q", header)
	}
	descr = m[1]
	m = reFortran.FindStringSubmatch(header)
	if len(m) < 2 {
		return "", nil, false, errors.Errorf("could not find 'fortran_order' in header %q", header)
	}
	fortranOrder = m[1] == "True"
	m = reShape.FindStringSubmatch(header)
	if len(m) < 2 {
		return "", nil, false, errors.Errorf("could not find 'shape' in header %q", header)
	}
	dims = []int{}
	for _, p := range strings.Split(m[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		dim, convErr := strconv.Atoi(p)
		if convErr != nil {
			return "", nil, false, errors.Wrapf(convErr, "invalid shape value %q in header", p)
		}
		dims = append(dims, dim)
	}
	return
}

// ToNpyWriter writes the tensor in .npy format (version 1.0). Device tensors are read back first.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	host, err := tensor.ToHost()
	if err != nil {
		return err
	}
	rowMajor, err := host.ToLayout(shapes.RowMajor)
	if err != nil {
		// BFloat8B only exists in tile layout: go through float32.
		if host.DType() != dtypes.BFloat8B {
			return err
		}
		f32, convErr := host.AsType(dtypes.Float32)
		if convErr != nil {
			return convErr
		}
		if rowMajor, err = f32.ToLayout(shapes.RowMajor); err != nil {
			return err
		}
	}

	var descr string
	var data []byte
	if rowMajor.DType() == dtypes.UInt32 {
		descr = "<u4"
		values, err := tensors.CopyFlatData[uint32](rowMajor)
		if err != nil {
			return err
		}
		data = tiles.Uint32ToBytes(values)
	} else {
		descr = "<f4"
		values, err := rowMajor.Float32s()
		if err != nil {
			return err
		}
		words := make([]uint32, len(values))
		for i, v := range values {
			words[i] = math.Float32bits(v)
		}
		data = tiles.Uint32ToBytes(words)
	}

	dims := tensor.Shape().Dimensions
	var shapeTuple string
	switch len(dims) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", dims[0])
	default:
		parts := make([]string, len(dims))
		for i, dim := range dims {
			parts[i] = strconv.Itoa(dim)
		}
		shapeTuple = "(" + strings.Join(parts, ", ") + ")"
	}
	var header bytes.Buffer
	fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)
	// Preamble (10 bytes) plus header, plus the terminating newline, must be a multiple of 16.
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	var out bytes.Buffer
	out.WriteString(magic)
	out.Write([]byte{1, 0})
	_ = binary.Write(&out, binary.LittleEndian, uint16(header.Len()))
	out.Write(header.Bytes())
	out.Write(data)
	if _, err := w.Write(out.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy data")
	}
	return nil
}

// ToNpyFile writes the tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}

// ToNpzWriter writes the named tensors as a .npz archive.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range tensorsMap {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensor, fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close .npz archive")
}

// ToNpzFile writes the named tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(tensorsMap, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}
