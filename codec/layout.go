package codec

import (
	"github.com/jnb666/deepdetect/num"
)

// Layout gives the axis convention of a grid tensor.
//
// RowMajor tensors index cells as [row, col] and order the regression channels
// (dy, dx, h, w). This is what the network produces from NHWC images.
// ColMajor tensors index cells as [col, row] with channels (dx, dy, w, h).
type Layout int

const (
	RowMajor Layout = iota
	ColMajor
)

func (l Layout) String() string {
	if l == ColMajor {
		return "col_major"
	}
	return "row_major"
}

// Other returns the opposite convention.
func (l Layout) Other() Layout {
	if l == ColMajor {
		return RowMajor
	}
	return ColMajor
}

// cell maps a grid index and regression values in this layout to image axes.
func (l Layout) cell(a1, a2 int, reg []float32) (col, row int, dx, dy, w, h float32) {
	if l == ColMajor {
		return a1, a2, reg[0], reg[1], reg[2], reg[3]
	}
	return a2, a1, reg[1], reg[0], reg[3], reg[2]
}

// index maps an image cell and box values to grid index and regression channels in this layout.
func (l Layout) index(col, row int, dx, dy, w, h float32) (a1, a2 int, reg [4]float32) {
	if l == ColMajor {
		return col, row, [4]float32{dx, dy, w, h}
	}
	return row, col, [4]float32{dy, dx, h, w}
}

// Transpose converts a single image grid tensor [A1, A2, S] (mask) or [A1, A2, S, K]
// (targets or model output) to the other layout. The grid axes are swapped and, for
// 4 dimensional tensors, regression channels 0<->1 and 2<->3. The input is not modified.
func Transpose(t *num.Array) *num.Array {
	dims := t.Dims()
	if len(dims) != 3 && len(dims) != 4 {
		panic("Transpose: expecting 3 or 4 dimensional grid tensor")
	}
	out := num.NewArray(append([]int{dims[1], dims[0]}, dims[2:]...)...)
	transposeGrid(t.Data, out.Data, dims)
	return out
}

// TransposeBatch applies Transpose to each entry of a batch [B, A1, A2, ...].
func TransposeBatch(t *num.Array) *num.Array {
	dims := t.Dims()
	if len(dims) != 4 && len(dims) != 5 {
		panic("TransposeBatch: expecting 4 or 5 dimensional batch tensor")
	}
	inner := dims[1:]
	out := num.NewArray(append([]int{dims[0], dims[2], dims[1]}, dims[3:]...)...)
	size := num.Prod(inner)
	for b := 0; b < dims[0]; b++ {
		transposeGrid(t.Data[b*size:(b+1)*size], out.Data[b*size:(b+1)*size], inner)
	}
	return out
}

// Convert returns t expressed in layout to, transposing only if from differs.
func Convert(t *num.Array, from, to Layout) *num.Array {
	if from == to {
		return t
	}
	return Transpose(t)
}

func transposeGrid(src, dst []float32, dims []int) {
	n1, n2 := dims[0], dims[1]
	inner := num.Prod(dims[2:])
	swap := len(dims) == 4 && dims[3] >= 4
	k := 1
	if len(dims) == 4 {
		k = dims[3]
	}
	for i := 0; i < n1; i++ {
		for j := 0; j < n2; j++ {
			s := src[(i*n2+j)*inner : (i*n2+j+1)*inner]
			d := dst[(j*n1+i)*inner : (j*n1+i+1)*inner]
			copy(d, s)
			if swap {
				for off := 0; off < inner; off += k {
					d[off], d[off+1] = s[off+1], s[off]
					d[off+2], d[off+3] = s[off+3], s[off+2]
				}
			}
		}
	}
}
