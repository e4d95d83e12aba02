package nnet

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/jnb666/deepdetect/num"
)

// Layer interface type represents one layer of the neural net. Arrays are NHWC.
// Fprop caches the state which Bprop needs, so Bprop applies to the most recent Fprop call.
type Layer interface {
	Name() string
	OutShape(inShape []int) []int
	Fprop(in *num.Array, train bool) *num.Array
	Bprop(grad *num.Array) *num.Array
	String() string
}

// ParamLayer is a layer with trainable parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
	Params() []*Param
}

// Param is a trainable weight array together with its gradient. Bprop adds to Grad.
type Param struct {
	Name  string
	Value *num.Array
	Grad  *num.Array
}

func newParam(name string, dims ...int) *Param {
	return &Param{Name: name, Value: num.NewArray(dims...), Grad: num.NewArray(dims...)}
}

func (p *Param) String() string {
	return fmt.Sprintf("%s%v", p.Name, p.Value.Dims())
}

// glorot uniform initialisation with limit sqrt(6/(fanIn+fanOut))
func (p *Param) glorot(fanIn, fanOut int, rng *rand.Rand) {
	limit := math32.Sqrt(6 / float32(fanIn+fanOut))
	for i := range p.Value.Data {
		p.Value.Data[i] = limit * (2*rng.Float32() - 1)
	}
}

func checkChannels(name string, in *num.Array, channels int) {
	if dims := in.Dims(); len(dims) != 4 || dims[3] != channels {
		panic(fmt.Sprintf("%s: expecting [B H W %d] input, got %v", name, channels, dims))
	}
}

// Conv is a 2D convolution layer with "same" padding and an optional bias, implements ParamLayer interface.
// Weights are stored as [Size*Size*In, Filters].
type Conv struct {
	name                      string
	In, Filters, Size, Stride int
	NoBias                    bool
	w, b                      *Param
	src                       *num.Array
	geom                      num.ConvGeom
}

// NewConv creates a convolution from in to filters channels.
func NewConv(name string, in, filters, size, stride int, bias bool) *Conv {
	l := &Conv{name: name, In: in, Filters: filters, Size: size, Stride: stride, NoBias: !bias}
	l.w = newParam(name+"/kernel", size*size*in, filters)
	if bias {
		l.b = newParam(name+"/bias", filters)
	}
	return l
}

func (l *Conv) Name() string { return l.name }

func (l *Conv) String() string {
	return fmt.Sprintf("conv %dx%d/%d %d->%d", l.Size, l.Size, l.Stride, l.In, l.Filters)
}

func (l *Conv) OutShape(s []int) []int {
	g := num.NewConvGeom(s[1], s[2], s[3], l.Size, l.Stride)
	return []int{s[0], g.OutH, g.OutW, l.Filters}
}

func (l *Conv) InitParams(rng *rand.Rand) {
	l.w.glorot(l.Size*l.Size*l.In, l.Size*l.Size*l.Filters, rng)
	if l.b != nil {
		num.Fill(l.b.Value, 0)
	}
}

func (l *Conv) Params() []*Param {
	if l.b == nil {
		return []*Param{l.w}
	}
	return []*Param{l.w, l.b}
}

func (l *Conv) Fprop(in *num.Array, train bool) *num.Array {
	checkChannels(l.name, in, l.In)
	dims := in.Dims()
	g := num.NewConvGeom(dims[1], dims[2], dims[3], l.Size, l.Stride)
	npix := g.OutH * g.OutW
	out := num.NewArray(dims[0], g.OutH, g.OutW, l.Filters)
	cols := num.NewArray(npix, g.Patch())
	for n := 0; n < dims[0]; n++ {
		num.Im2col(g, in.Slice(n, n+1).Data, cols.Data)
		dst := out.Slice(n, n+1).Reshape(npix, l.Filters)
		num.Gemm(1, 0, cols, l.w.Value, dst, num.NoTrans, num.NoTrans)
	}
	if l.b != nil {
		addBias(out, l.b.Value)
	}
	l.src, l.geom = in, g
	return out
}

func (l *Conv) Bprop(grad *num.Array) *num.Array {
	g := l.geom
	npix := g.OutH * g.OutW
	dsrc := num.NewArrayLike(l.src)
	cols := num.NewArray(npix, g.Patch())
	dcols := num.NewArray(npix, g.Patch())
	for n := 0; n < l.src.Dim(0); n++ {
		num.Im2col(g, l.src.Slice(n, n+1).Data, cols.Data)
		gn := grad.Slice(n, n+1).Reshape(npix, l.Filters)
		num.Gemm(1, 1, cols, gn, l.w.Grad, num.Trans, num.NoTrans)
		num.Gemm(1, 0, gn, l.w.Value, dcols, num.NoTrans, num.Trans)
		num.Col2im(g, dcols.Data, dsrc.Slice(n, n+1).Data)
	}
	if l.b != nil {
		sumChannels(grad, l.b.Grad)
	}
	return dsrc
}

// DepthwiseConv applies a separate spatial kernel to each input channel, implements ParamLayer interface.
type DepthwiseConv struct {
	name             string
	In, Size, Stride int
	w                *Param
	src              *num.Array
	geom             num.ConvGeom
}

func NewDepthwiseConv(name string, in, size, stride int) *DepthwiseConv {
	return &DepthwiseConv{name: name, In: in, Size: size, Stride: stride, w: newParam(name+"/depthwise_kernel", size*size, in)}
}

func (l *DepthwiseConv) Name() string { return l.name }

func (l *DepthwiseConv) String() string {
	return fmt.Sprintf("depthwise %dx%d/%d %d", l.Size, l.Size, l.Stride, l.In)
}

func (l *DepthwiseConv) OutShape(s []int) []int {
	g := num.NewConvGeom(s[1], s[2], s[3], l.Size, l.Stride)
	return []int{s[0], g.OutH, g.OutW, l.In}
}

func (l *DepthwiseConv) InitParams(rng *rand.Rand) {
	l.w.glorot(l.Size*l.Size*l.In, l.Size*l.Size, rng)
}

func (l *DepthwiseConv) Params() []*Param { return []*Param{l.w} }

func (l *DepthwiseConv) Fprop(in *num.Array, train bool) *num.Array {
	checkChannels(l.name, in, l.In)
	dims := in.Dims()
	g := num.NewConvGeom(dims[1], dims[2], dims[3], l.Size, l.Stride)
	out := num.NewArray(dims[0], g.OutH, g.OutW, l.In)
	for n := 0; n < dims[0]; n++ {
		num.Depthwise(g, in.Slice(n, n+1).Data, l.w.Value.Data, out.Slice(n, n+1).Data)
	}
	l.src, l.geom = in, g
	return out
}

func (l *DepthwiseConv) Bprop(grad *num.Array) *num.Array {
	dsrc := num.NewArrayLike(l.src)
	for n := 0; n < l.src.Dim(0); n++ {
		num.DepthwiseBackward(l.geom, l.src.Slice(n, n+1).Data, l.w.Value.Data, grad.Slice(n, n+1).Data,
			l.w.Grad.Data, dsrc.Slice(n, n+1).Data)
	}
	return dsrc
}

// SeparableConv is a depthwise convolution followed by a 1x1 pointwise convolution with bias.
type SeparableConv struct {
	name      string
	depthwise *DepthwiseConv
	pointwise *Conv
}

func NewSeparableConv(name string, in, filters, size, stride int) *SeparableConv {
	pointwise := NewConv(name, in, filters, 1, 1, true)
	pointwise.w.Name = name + "/pointwise_kernel"
	return &SeparableConv{name: name, depthwise: NewDepthwiseConv(name, in, size, stride), pointwise: pointwise}
}

func (l *SeparableConv) Name() string { return l.name }

func (l *SeparableConv) String() string {
	d := l.depthwise
	return fmt.Sprintf("separable %dx%d/%d %d->%d", d.Size, d.Size, d.Stride, d.In, l.pointwise.Filters)
}

func (l *SeparableConv) OutShape(s []int) []int {
	return l.pointwise.OutShape(l.depthwise.OutShape(s))
}

func (l *SeparableConv) InitParams(rng *rand.Rand) {
	l.depthwise.InitParams(rng)
	l.pointwise.InitParams(rng)
}

func (l *SeparableConv) Params() []*Param {
	return append(l.depthwise.Params(), l.pointwise.Params()...)
}

func (l *SeparableConv) Fprop(in *num.Array, train bool) *num.Array {
	return l.pointwise.Fprop(l.depthwise.Fprop(in, train), train)
}

func (l *SeparableConv) Bprop(grad *num.Array) *num.Array {
	return l.depthwise.Bprop(l.pointwise.Bprop(grad))
}

// BatchNorm normalises each channel using batch statistics when training and the running
// averages otherwise. The running mean and variance are updated on each training pass.
type BatchNorm struct {
	name        string
	C           int
	Momentum    float32
	Epsilon     float32
	gamma, beta *Param
	Mean, Var   *num.Array
	xhat        *num.Array
	invStd      []float32
	train       bool
}

func NewBatchNorm(name string, channels int) *BatchNorm {
	l := &BatchNorm{name: name, C: channels, Momentum: 0.99, Epsilon: 1e-3}
	l.gamma = newParam(name+"/gamma", channels)
	l.beta = newParam(name+"/beta", channels)
	l.Mean = num.NewArray(channels)
	l.Var = num.NewArray(channels)
	num.Fill(l.gamma.Value, 1)
	num.Fill(l.Var, 1)
	return l
}

func (l *BatchNorm) Name() string { return l.name }

func (l *BatchNorm) String() string { return fmt.Sprintf("batchnorm %d", l.C) }

func (l *BatchNorm) OutShape(s []int) []int { return s }

func (l *BatchNorm) InitParams(rng *rand.Rand) {
	num.Fill(l.gamma.Value, 1)
	num.Fill(l.beta.Value, 0)
	num.Fill(l.Mean, 0)
	num.Fill(l.Var, 1)
}

func (l *BatchNorm) Params() []*Param { return []*Param{l.gamma, l.beta} }

func (l *BatchNorm) Fprop(in *num.Array, train bool) *num.Array {
	checkChannels(l.name, in, l.C)
	c := l.C
	n := in.Size() / c
	mean, variance := l.Mean.Data, l.Var.Data
	if train {
		mean, variance = make([]float32, c), make([]float32, c)
		sum, sum2 := make([]float64, c), make([]float64, c)
		for i, v := range in.Data {
			sum[i%c] += float64(v)
		}
		for j := range sum {
			mean[j] = float32(sum[j] / float64(n))
		}
		for i, v := range in.Data {
			d := float64(v - mean[i%c])
			sum2[i%c] += d * d
		}
		for j := range sum2 {
			variance[j] = float32(sum2[j] / float64(n))
			l.Mean.Data[j] = l.Momentum*l.Mean.Data[j] + (1-l.Momentum)*mean[j]
			l.Var.Data[j] = l.Momentum*l.Var.Data[j] + (1-l.Momentum)*variance[j]
		}
	}
	l.invStd = make([]float32, c)
	for j := range l.invStd {
		l.invStd[j] = 1 / math32.Sqrt(variance[j]+l.Epsilon)
	}
	l.xhat = num.NewArrayLike(in)
	out := num.NewArrayLike(in)
	gamma, beta := l.gamma.Value.Data, l.beta.Value.Data
	for i, v := range in.Data {
		j := i % c
		xh := (v - mean[j]) * l.invStd[j]
		l.xhat.Data[i] = xh
		out.Data[i] = gamma[j]*xh + beta[j]
	}
	l.train = train
	return out
}

func (l *BatchNorm) Bprop(grad *num.Array) *num.Array {
	c := l.C
	n := float32(grad.Size() / c)
	sumG, sumGX := make([]float32, c), make([]float32, c)
	for i, g := range grad.Data {
		sumG[i%c] += g
		sumGX[i%c] += g * l.xhat.Data[i]
	}
	for j := 0; j < c; j++ {
		l.gamma.Grad.Data[j] += sumGX[j]
		l.beta.Grad.Data[j] += sumG[j]
	}
	gamma := l.gamma.Value.Data
	dsrc := num.NewArrayLike(grad)
	for i, g := range grad.Data {
		j := i % c
		if l.train {
			dsrc.Data[i] = gamma[j] * l.invStd[j] * (g - sumG[j]/n - l.xhat.Data[i]*sumGX[j]/n)
		} else {
			dsrc.Data[i] = gamma[j] * l.invStd[j] * g
		}
	}
	return dsrc
}

// Relu activation layer
type Relu struct {
	name string
	src  *num.Array
}

func NewRelu(name string) *Relu { return &Relu{name: name} }

func (l *Relu) Name() string { return l.name }

func (l *Relu) String() string { return "relu" }

func (l *Relu) OutShape(s []int) []int { return s }

func (l *Relu) Fprop(in *num.Array, train bool) *num.Array {
	l.src = in
	out := num.NewArrayLike(in)
	num.Relu(in, out)
	return out
}

func (l *Relu) Bprop(grad *num.Array) *num.Array {
	dsrc := num.NewArrayLike(grad)
	num.ReluD(l.src, grad, dsrc)
	return dsrc
}

// Upsample doubles the spatial size using bilinear interpolation with half pixel centres.
type Upsample struct {
	name   string
	inDims []int
	ty, tx []tap
}

// source pixels and weights for one output coordinate
type tap struct {
	i0, i1 int
	w0, w1 float32
}

func NewUpsample(name string) *Upsample { return &Upsample{name: name} }

func (l *Upsample) Name() string { return l.name }

func (l *Upsample) String() string { return "upsample bilinear x2" }

func (l *Upsample) OutShape(s []int) []int { return []int{s[0], 2 * s[1], 2 * s[2], s[3]} }

func taps(n int) []tap {
	t := make([]tap, 2*n)
	for o := range t {
		x := math32.Max((float32(o)+0.5)/2-0.5, 0)
		i0 := min(int(x), n-1)
		i1 := min(i0+1, n-1)
		f := x - float32(i0)
		t[o] = tap{i0: i0, i1: i1, w0: 1 - f, w1: f}
	}
	return t
}

func (l *Upsample) Fprop(in *num.Array, train bool) *num.Array {
	dims := in.Dims()
	if l.inDims == nil || !num.SameShape(l.inDims, dims) {
		l.inDims = append([]int{}, dims...)
		l.ty, l.tx = taps(dims[1]), taps(dims[2])
	}
	h, w, c := dims[1], dims[2], dims[3]
	out := num.NewArray(l.OutShape(dims)...)
	for n := 0; n < dims[0]; n++ {
		src := in.Data[n*h*w*c : (n+1)*h*w*c]
		dst := out.Data[n*4*h*w*c : (n+1)*4*h*w*c]
		for oy, ty := range l.ty {
			for ox, tx := range l.tx {
				d := dst[(oy*2*w+ox)*c : (oy*2*w+ox+1)*c]
				p00 := src[(ty.i0*w+tx.i0)*c:]
				p01 := src[(ty.i0*w+tx.i1)*c:]
				p10 := src[(ty.i1*w+tx.i0)*c:]
				p11 := src[(ty.i1*w+tx.i1)*c:]
				for k := range d {
					d[k] = ty.w0*(tx.w0*p00[k]+tx.w1*p01[k]) + ty.w1*(tx.w0*p10[k]+tx.w1*p11[k])
				}
			}
		}
	}
	return out
}

func (l *Upsample) Bprop(grad *num.Array) *num.Array {
	h, w, c := l.inDims[1], l.inDims[2], l.inDims[3]
	dsrc := num.NewArray(l.inDims...)
	for n := 0; n < l.inDims[0]; n++ {
		src := grad.Data[n*4*h*w*c : (n+1)*4*h*w*c]
		dst := dsrc.Data[n*h*w*c : (n+1)*h*w*c]
		for oy, ty := range l.ty {
			for ox, tx := range l.tx {
				g := src[(oy*2*w+ox)*c : (oy*2*w+ox+1)*c]
				p00 := dst[(ty.i0*w+tx.i0)*c:]
				p01 := dst[(ty.i0*w+tx.i1)*c:]
				p10 := dst[(ty.i1*w+tx.i0)*c:]
				p11 := dst[(ty.i1*w+tx.i1)*c:]
				for k, v := range g {
					p00[k] += ty.w0 * tx.w0 * v
					p01[k] += ty.w0 * tx.w1 * v
					p10[k] += ty.w1 * tx.w0 * v
					p11[k] += ty.w1 * tx.w1 * v
				}
			}
		}
	}
	return dsrc
}

// Regrid moves a feature map from one stride to another by rearranging pixels between the
// spatial and channel axes. Going to a coarser grid packs each Factor x Factor block of pixels
// into channels (space to depth), going to a finer grid does the inverse (depth to space).
// Channels are ordered (dy, dx, c) so neighbouring pixels stay together.
type Regrid struct {
	name   string
	Factor int
	Pack   bool
	inDims []int
}

// NewRegrid returns a layer mapping a feature map at stride from to stride to.
func NewRegrid(name string, from, to int) *Regrid {
	if from <= to {
		return &Regrid{name: name, Factor: to / from, Pack: true}
	}
	return &Regrid{name: name, Factor: from / to}
}

func (l *Regrid) Name() string { return l.name }

func (l *Regrid) String() string {
	if l.Pack {
		return fmt.Sprintf("space to depth /%d", l.Factor)
	}
	return fmt.Sprintf("depth to space x%d", l.Factor)
}

func (l *Regrid) OutShape(s []int) []int {
	f := l.Factor
	if l.Pack {
		return []int{s[0], s[1] / f, s[2] / f, s[3] * f * f}
	}
	return []int{s[0], s[1] * f, s[2] * f, s[3] / (f * f)}
}

func (l *Regrid) Fprop(in *num.Array, train bool) *num.Array {
	l.inDims = in.Dims()
	if l.Factor == 1 {
		return in
	}
	out := num.NewArray(l.OutShape(l.inDims)...)
	if l.Pack {
		regrid(in.Data, out.Data, l.inDims, l.Factor, true)
	} else {
		regrid(out.Data, in.Data, out.Dims(), l.Factor, false)
	}
	return out
}

func (l *Regrid) Bprop(grad *num.Array) *num.Array {
	if l.Factor == 1 {
		return grad
	}
	dsrc := num.NewArray(l.inDims...)
	if l.Pack {
		regrid(dsrc.Data, grad.Data, l.inDims, l.Factor, false)
	} else {
		regrid(grad.Data, dsrc.Data, grad.Dims(), l.Factor, true)
	}
	return dsrc
}

// regrid copies between the fine image with dimensions dims and the packed image with
// factor f. If pack is set data moves from fine to packed, else the reverse.
func regrid(fine, packed []float32, dims []int, f int, pack bool) {
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	ph, pw, pc := h/f, w/f, c*f*f
	for n := 0; n < b; n++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src := ((n*h+y)*w + x) * c
				dst := ((n*ph+y/f)*pw+x/f)*pc + ((y%f)*f+x%f)*c
				if pack {
					copy(packed[dst:dst+c], fine[src:src+c])
				} else {
					copy(fine[src:src+c], packed[dst:dst+c])
				}
			}
		}
	}
}

// Sequence is a linear stack of layers
type Sequence struct {
	name   string
	Layers []Layer
}

func NewSequence(name string, layers ...Layer) *Sequence {
	return &Sequence{name: name, Layers: layers}
}

func (l *Sequence) Name() string { return l.name }

func (l *Sequence) String() string {
	s := ""
	for i, layer := range l.Layers {
		if i > 0 {
			s += " -> "
		}
		s += layer.String()
	}
	return s
}

func (l *Sequence) OutShape(s []int) []int {
	for _, layer := range l.Layers {
		s = layer.OutShape(s)
	}
	return s
}

func (l *Sequence) InitParams(rng *rand.Rand) {
	for _, layer := range l.Layers {
		if p, ok := layer.(ParamLayer); ok {
			p.InitParams(rng)
		}
	}
}

func (l *Sequence) Params() (params []*Param) {
	for _, layer := range l.Layers {
		if p, ok := layer.(ParamLayer); ok {
			params = append(params, p.Params()...)
		}
	}
	return params
}

func (l *Sequence) Fprop(in *num.Array, train bool) *num.Array {
	for _, layer := range l.Layers {
		in = layer.Fprop(in, train)
	}
	return in
}

func (l *Sequence) Bprop(grad *num.Array) *num.Array {
	for i := len(l.Layers) - 1; i >= 0; i-- {
		grad = l.Layers[i].Bprop(grad)
	}
	return grad
}

// add per channel bias to NHWC array
func addBias(a, bias *num.Array) {
	c := bias.Size()
	for i := range a.Data {
		a.Data[i] += bias.Data[i%c]
	}
}

// accumulate per channel sums of a into dst
func sumChannels(a, dst *num.Array) {
	c := dst.Size()
	for i, v := range a.Data {
		dst.Data[i%c] += v
	}
}
