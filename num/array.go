package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array is a general n dimensional float32 tensor similar to a numpy ndarray.
// Data is stored in row major order, the last dimension varies fastest.
type Array struct {
	Data []float32
	dims []int
}

// NewArray allocates a zero filled array with the given shape.
func NewArray(dims ...int) *Array {
	return &Array{Data: make([]float32, Prod(dims)), dims: append([]int{}, dims...)}
}

// NewArrayLike allocates a zero filled array with the same shape as a.
func NewArrayLike(a *Array) *Array {
	return NewArray(a.dims...)
}

// FromSlice wraps data in an array of the given shape without copying.
func FromSlice(data []float32, dims ...int) *Array {
	if Prod(dims) != len(data) {
		panic(fmt.Sprintf("FromSlice: %d values cannot have shape %v", len(data), dims))
	}
	return &Array{Data: data, dims: append([]int{}, dims...)}
}

// Dims returns the shape of the array.
func (a *Array) Dims() []int { return a.dims }

// Size is total number of elements.
func (a *Array) Size() int { return len(a.Data) }

// Dim returns the size of dimension i, negative values count from the end.
func (a *Array) Dim(i int) int {
	if i < 0 {
		i += len(a.dims)
	}
	return a.dims[i]
}

// Reshape returns a view on the same data with a different shape. One dimension may be -1.
func (a *Array) Reshape(dims ...int) *Array {
	dims = append([]int{}, dims...)
	n := len(a.Data)
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic(fmt.Sprintf("Reshape: cannot reshape %v to %v", a.dims, dims))
	}
	return &Array{Data: a.Data, dims: dims}
}

// Slice returns a view of rows [start, end) along the first dimension.
func (a *Array) Slice(start, end int) *Array {
	if len(a.dims) == 0 || start < 0 || end > a.dims[0] || start > end {
		panic(fmt.Sprintf("Slice: [%d:%d] out of range for %v", start, end, a.dims))
	}
	stride := Prod(a.dims[1:])
	dims := append([]int{end - start}, a.dims[1:]...)
	return &Array{Data: a.Data[start*stride : end*stride], dims: dims}
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	b := NewArrayLike(a)
	copy(b.Data, a.Data)
	return b
}

// String formats the array with large dimensions abbreviated.
func (a *Array) String() string {
	var b strings.Builder
	format(&b, a.dims, a.Data, "")
	return b.String()
}

func format(b *strings.Builder, dims []int, data []float32, indent string) {
	switch len(dims) {
	case 0:
		fmt.Fprintf(b, "%7.4g", data[0])
	case 1:
		b.WriteString("[")
		for i := 0; i < dims[0]; i++ {
			if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
				b.WriteString("     ... ")
				i = dims[0] - PrintEdgeitems - 1
				continue
			}
			fmt.Fprintf(b, "%7.4g ", data[i])
		}
		b.WriteString("]\n")
	default:
		stride := Prod(dims[1:])
		b.WriteString(indent + "[\n")
		for i := 0; i < dims[0]; i++ {
			if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
				b.WriteString(indent + " ...\n")
				i = dims[0] - PrintEdgeitems - 1
				continue
			}
			if len(dims) == 2 {
				b.WriteString(indent + " ")
			}
			format(b, dims[1:], data[i*stride:(i+1)*stride], indent+" ")
		}
		b.WriteString(indent + "]\n")
	}
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Total size of one of more arrays in bytes
func Bytes(arr ...*Array) (bytes int) {
	for _, a := range arr {
		if a != nil {
			bytes += 4 * a.Size()
		}
	}
	return bytes
}
