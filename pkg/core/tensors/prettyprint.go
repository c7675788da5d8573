package tensors

import (
	"bytes"
	"fmt"
)

// SummaryMaxValues is the number of leading and trailing values printed per row and rows printed per
// matrix by Summary.
var SummaryMaxValues = 3

// Summary returns a multi-line, numpy-like rendering of the tensor values in row-major order.
// Device tensors are read back to host first.
func (t *Tensor) Summary(precision int) string {
	host, err := t.ToHost()
	if err != nil {
		return fmt.Sprintf("%s: %v", t, err)
	}
	values, err := host.RowMajorFloat32s()
	if err != nil {
		return fmt.Sprintf("%s: %v", t, err)
	}
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	w("%s", t)
	if t.shape.Rank() < 2 || len(values) == 0 {
		w(" %v\n", values)
		return buf.String()
	}
	w("\n")
	h, width := t.shape.H(), t.shape.W()
	for batch := range t.shape.Batches() {
		if batch >= SummaryMaxValues && batch < t.shape.Batches()-1 {
			if batch == SummaryMaxValues {
				w("  ...\n")
			}
			continue
		}
		w("  batch %d:\n", batch)
		for row := range h {
			if skipped(row, h) {
				if row == SummaryMaxValues {
					w("    ...\n")
				}
				continue
			}
			w("    [")
			for col := range width {
				if skipped(col, width) {
					if col == SummaryMaxValues {
						w(" ...")
					}
					continue
				}
				w(" %.*g", precision, values[(batch*h+row)*width+col])
			}
			w(" ]\n")
		}
	}
	return buf.String()
}

func skipped(i, n int) bool {
	return n > 2*SummaryMaxValues && i >= SummaryMaxValues && i < n-SummaryMaxValues
}
