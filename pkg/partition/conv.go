package partition

import (
	"fmt"
	"strings"

	"github.com/gomlx/tilegrid/pkg/addrgen"
	"github.com/gomlx/tilegrid/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ConvReportPass is the report of a convolution that fits one core.
const ConvReportPass = "pass"

// ConvBlocks is the blocking of the implicit-GEMM convolution on a single core: the activation
// matrix [M, K] (in tiles) times the weight matrix [K, N] is computed in NumBlocks blocks of
// InBlockW tiles along K, with output subblocks of OutSubblockH x OutSubblockW tiles.
type ConvBlocks struct {
	NumBlocks, InBlockW        int
	OutSubblockH, OutSubblockW int

	// Report is ConvReportPass, or the reasons why the convolution doesn't fit, one per line.
	Report string
}

// ConvBlockInfo computes the blocking of a conv matmul of M x K activation tiles and K x N weight
// tiles, within the conv budgets. It never fails: ok is false when the convolution doesn't fit,
// and the Report describes every violated budget.
func ConvBlockInfo(b Budgets, m, k, n int) (info ConvBlocks, ok bool) {
	if m <= 0 || k <= 0 || n <= 0 {
		return ConvBlocks{Report: fmt.Sprintf("cannot run conv: empty matmul of %dx%d by %dx%d tiles", m, k, k, n)}, false
	}
	maxIn0Tiles := b.ConvIn0Bytes / b.TileBytes
	maxIn1Tiles := b.ConvIn1Bytes / b.TileBytes
	var report []string
	if m > maxIn0Tiles {
		report = append(report,
			fmt.Sprintf("cannot run conv: activation matrix height (in tiles) = %d > %d", m, maxIn0Tiles),
			"cannot fit conv in L1")
	}
	if n > maxIn1Tiles {
		report = append(report,
			fmt.Sprintf("cannot run conv: weight matrix width (in tiles) = %d > %d", n, maxIn1Tiles),
			"cannot fit conv in L1")
	}
	if len(report) > 0 {
		return ConvBlocks{Report: strings.Join(report, "\n")}, false
	}

	// Constraint 1: the blocks of in0 and in1 fit their budgets.
	maxInBlockW := min(maxIn0Tiles/m, maxIn1Tiles/n)
	numBlocks, inBlockW := 1, k
	for inBlockW > maxInBlockW || k%numBlocks != 0 {
		numBlocks++
		inBlockW = k / numBlocks
	}

	// Constraint 2: the output fits, and so does one row of output tiles for reblocking.
	maxOutTiles := b.ConvOutBytes / b.TileBytes
	maxReblockTiles := b.ConvReblockBytes / b.TileBytes
	if m*n > maxOutTiles {
		report = append(report,
			fmt.Sprintf("cannot run conv: output matrix volume (in tiles) = %d > %d", m*n, maxOutTiles),
			"cannot fit conv in L1")
	}
	if n > maxReblockTiles {
		report = append(report,
			fmt.Sprintf("cannot run conv: output matrix width (in tiles) = %d > %d", n, maxReblockTiles),
			"cannot fit conv in L1")
	}
	if len(report) > 0 {
		return ConvBlocks{Report: strings.Join(report, "\n")}, false
	}

	// Constraint 3: output subblocks fit the destination registers. Divide alternately H and W.
	subblockH, subblockW := m, n
	numSubblocksH, numSubblocksW := 1, 1
	divideH := true
	for subblockH*subblockW > b.DstTiles {
		if divideH {
			if numSubblocksH < m {
				numSubblocksH++
				for m%numSubblocksH != 0 {
					numSubblocksH++
				}
			}
			subblockH = m / numSubblocksH
		} else {
			if numSubblocksW < n {
				numSubblocksW++
				for n%numSubblocksW != 0 {
					numSubblocksW++
				}
			}
			subblockW = n / numSubblocksW
		}
		divideH = !divideH
	}
	return ConvBlocks{
		NumBlocks:    numBlocks,
		InBlockW:     inBlockW,
		OutSubblockH: subblockH,
		OutSubblockW: subblockW,
		Report:       ConvReportPass,
	}, true
}

// ConvParams are the parameters of a 2D convolution.
type ConvParams struct {
	KernelH, KernelW int
	StrideH, StrideW int
	PadH, PadW       int
}

// Validate checks the parameters are positive (padding can be 0).
func (p ConvParams) Validate() error {
	if p.KernelH <= 0 || p.KernelW <= 0 || p.StrideH <= 0 || p.StrideW <= 0 || p.PadH < 0 || p.PadW < 0 {
		return errors.Errorf("invalid conv parameters %+v", p)
	}
	return nil
}

// ConvOutputSize returns the output size of a convolution along one axis: (x - r + 2*pad)/stride + 1.
func ConvOutputSize(x, r, pad, stride int) int {
	return (x-r+2*pad)/stride + 1
}

// ConvMatmulDims returns the dimensions, in tiles, of the implicit-GEMM of a convolution of an
// activation [C, H, W] with K filters [C, R, S]: M = ceil(OH*OW/32), Kt = ceil(C*R*S/32),
// N = ceil(K/32).
func ConvMatmulDims(channels, height, width, numFilters int, p ConvParams) (m, k, n int) {
	outH := ConvOutputSize(height, p.KernelH, p.PadH, p.StrideH)
	outW := ConvOutputSize(width, p.KernelW, p.PadW, p.StrideW)
	m = addrgen.DivUp(outH*outW, dtypes.TileHeight)
	k = addrgen.DivUp(channels*p.KernelH*p.KernelW, dtypes.TileWidth)
	n = addrgen.DivUp(numFilters, dtypes.TileWidth)
	return
}

// ConvFitsOnSingleCore returns whether the convolution fits one core, and the report.
func ConvFitsOnSingleCore(b Budgets, channels, height, width, numFilters int, p ConvParams) (bool, string) {
	m, k, n := ConvMatmulDims(channels, height, width, numFilters, p)
	info, ok := ConvBlockInfo(b, m, k, n)
	return ok, info.Report
}
