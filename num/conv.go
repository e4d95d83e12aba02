package num

// ConvGeom describes a 2D convolution over an NHWC image with "same" padding.
type ConvGeom struct {
	H, W, C    int // input height, width and channels
	Size       int // square kernel size
	Stride     int
	OutH, OutW int
	PadT, PadL int
}

// NewConvGeom computes output size and padding the same way as "same" padding in
// common deep learning frameworks: out = ceil(in/stride), with any odd padding
// placed at the bottom and right.
func NewConvGeom(h, w, c, size, stride int) ConvGeom {
	g := ConvGeom{H: h, W: w, C: c, Size: size, Stride: stride}
	g.OutH = (h + stride - 1) / stride
	g.OutW = (w + stride - 1) / stride
	g.PadT = max(0, (g.OutH-1)*stride+size-h) / 2
	g.PadL = max(0, (g.OutW-1)*stride+size-w) / 2
	return g
}

// Patch is the number of values in one im2col row.
func (g ConvGeom) Patch() int {
	return g.Size * g.Size * g.C
}

// Im2col unpacks image src [H,W,C] into dst [OutH*OutW, Size*Size*C].
func Im2col(g ConvGeom, src, dst []float32) {
	patch := g.Patch()
	for oy := 0; oy < g.OutH; oy++ {
		for ox := 0; ox < g.OutW; ox++ {
			row := dst[(oy*g.OutW+ox)*patch : (oy*g.OutW+ox+1)*patch]
			pos := 0
			for ky := 0; ky < g.Size; ky++ {
				y := oy*g.Stride + ky - g.PadT
				for kx := 0; kx < g.Size; kx++ {
					x := ox*g.Stride + kx - g.PadL
					if y < 0 || y >= g.H || x < 0 || x >= g.W {
						for c := 0; c < g.C; c++ {
							row[pos+c] = 0
						}
					} else {
						copy(row[pos:pos+g.C], src[(y*g.W+x)*g.C:(y*g.W+x+1)*g.C])
					}
					pos += g.C
				}
			}
		}
	}
}

// Col2im is the adjoint of Im2col: it adds the patch gradients in src back into image dst.
func Col2im(g ConvGeom, src, dst []float32) {
	patch := g.Patch()
	for oy := 0; oy < g.OutH; oy++ {
		for ox := 0; ox < g.OutW; ox++ {
			row := src[(oy*g.OutW+ox)*patch : (oy*g.OutW+ox+1)*patch]
			pos := 0
			for ky := 0; ky < g.Size; ky++ {
				y := oy*g.Stride + ky - g.PadT
				for kx := 0; kx < g.Size; kx++ {
					x := ox*g.Stride + kx - g.PadL
					if y >= 0 && y < g.H && x >= 0 && x < g.W {
						d := dst[(y*g.W+x)*g.C : (y*g.W+x+1)*g.C]
						for c, v := range row[pos : pos+g.C] {
							d[c] += v
						}
					}
					pos += g.C
				}
			}
		}
	}
}

// Depthwise applies a per channel convolution with kernel w [Size*Size, C] to image src [H,W,C],
// writing dst [OutH, OutW, C].
func Depthwise(g ConvGeom, src, w, dst []float32) {
	for oy := 0; oy < g.OutH; oy++ {
		for ox := 0; ox < g.OutW; ox++ {
			out := dst[(oy*g.OutW+ox)*g.C : (oy*g.OutW+ox+1)*g.C]
			for c := range out {
				out[c] = 0
			}
			for ky := 0; ky < g.Size; ky++ {
				y := oy*g.Stride + ky - g.PadT
				if y < 0 || y >= g.H {
					continue
				}
				for kx := 0; kx < g.Size; kx++ {
					x := ox*g.Stride + kx - g.PadL
					if x < 0 || x >= g.W {
						continue
					}
					in := src[(y*g.W+x)*g.C : (y*g.W+x+1)*g.C]
					k := w[(ky*g.Size+kx)*g.C : (ky*g.Size+kx+1)*g.C]
					for c, v := range in {
						out[c] += v * k[c]
					}
				}
			}
		}
	}
}

// DepthwiseBackward accumulates the kernel gradient into dw and the input gradient into dsrc
// given the output gradient grad [OutH, OutW, C].
func DepthwiseBackward(g ConvGeom, src, w, grad, dw, dsrc []float32) {
	for oy := 0; oy < g.OutH; oy++ {
		for ox := 0; ox < g.OutW; ox++ {
			gout := grad[(oy*g.OutW+ox)*g.C : (oy*g.OutW+ox+1)*g.C]
			for ky := 0; ky < g.Size; ky++ {
				y := oy*g.Stride + ky - g.PadT
				if y < 0 || y >= g.H {
					continue
				}
				for kx := 0; kx < g.Size; kx++ {
					x := ox*g.Stride + kx - g.PadL
					if x < 0 || x >= g.W {
						continue
					}
					off := (y*g.W + x) * g.C
					koff := (ky*g.Size + kx) * g.C
					for c, gv := range gout {
						dw[koff+c] += gv * src[off+c]
						dsrc[off+c] += gv * w[koff+c]
					}
				}
			}
		}
	}
}
