package numpy

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/tilegrid/pkg/core/shapes"
	"github.com/gomlx/tilegrid/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNpy(t *testing.T) {
	values := []float32{1, 2.5, -3, 4, 5, 6}
	tiled := must.M1(tensors.FromFlatDataAndDimensions(make([]float32, 32*32), 32, 32).ToLayout(shapes.Tile))
	for _, tensor := range []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(values, 2, 3),
		tensors.FromFlatDataAndDimensions([]uint32{7, 8, 9}, 3),
		tiled,
	} {
		var buf bytes.Buffer
		require.NoError(t, ToNpyWriter(tensor, &buf))
		assert.Zero(t, (buf.Len()-tensor.Volume()*4)%16, "header must be 16 bytes aligned")
		loaded, err := FromNpyReader(&buf)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape().Dimensions, loaded.Shape().Dimensions)
		assert.Equal(t, shapes.RowMajor, loaded.Layout())
		assert.Equal(t, must.M1(tensor.RowMajorFloat32s()), must.M1(loaded.Float32s()))
	}

	path := filepath.Join(t.TempDir(), "x.npy")
	require.NoError(t, ToNpyFile(tensors.FromFlatDataAndDimensions(values, 6), path))
	loaded := must.M1(FromNpyFile(path))
	assert.Equal(t, values, must.M1(tensors.CopyFlatData[float32](loaded)))

	_, err := FromNpyReader(bytes.NewReader([]byte("not a numpy file")))
	require.Error(t, err)
}

func TestParseNpyHeader(t *testing.T) {
	descr, dims, fortran, err := parseNpyHeader("{'descr': '<f4', 'fortran_order': False, 'shape': (10,), }")
	require.NoError(t, err)
	assert.Equal(t, "<f4", descr)
	assert.Equal(t, []int{10}, dims)
	assert.False(t, fortran)
	_, dims, _, err = parseNpyHeader("{'descr': '<u4', 'fortran_order': True, 'shape': (), }")
	require.NoError(t, err)
	assert.Empty(t, dims)
	_, _, _, err = parseNpyHeader("{'descr': '<u4'}")
	require.Error(t, err)
}

func TestNpz(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ToNpzWriter(map[string]*tensors.Tensor{
		"a": tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
		"b": tensors.FromFlatDataAndDimensions([]uint32{3}, 1),
	}, &buf))
	reader := must.M1(zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len())))
	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"a.npy", "b.npy"}, names)
}
