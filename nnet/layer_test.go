package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jnb666/deepdetect/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fdEps = 1e-2
	fdTol = 2e-2
)

func randArray(rng *rand.Rand, dims ...int) *num.Array {
	a := num.NewArray(dims...)
	for i := range a.Data {
		a.Data[i] = float32(rng.NormFloat64())
	}
	return a
}

func dot(x, y []float32) float64 {
	total := 0.0
	for i := range x {
		total += float64(x[i]) * float64(y[i])
	}
	return total
}

// gradCheck compares the analytic gradients of the loss sum(out * r) for a random r with central
// differences, for the input and every parameter of the layer.
func gradCheck(t *testing.T, rng *rand.Rand, l Layer, in *num.Array) {
	t.Helper()
	var params []*Param
	if p, ok := l.(ParamLayer); ok {
		params = p.Params()
	}
	for _, p := range params {
		num.Fill(p.Grad, 0)
	}
	out := l.Fprop(in, true)
	r := randArray(rng, out.Dims()...)
	dsrc := l.Bprop(r)
	require.Equal(t, in.Dims(), dsrc.Dims())

	loss := func() float64 { return dot(l.Fprop(in, true).Data, r.Data) }
	check := func(name string, value, grad []float32) {
		for n := 0; n < 20; n++ {
			i := rng.Intn(len(value))
			save := value[i]
			value[i] = save + fdEps
			lp := loss()
			value[i] = save - fdEps
			lm := loss()
			value[i] = save
			numeric := (lp - lm) / (2 * fdEps)
			tol := fdTol * math.Max(1, math.Abs(numeric))
			assert.InDelta(t, numeric, grad[i], tol, "%s %s[%d]", l.Name(), name, i)
		}
	}
	check("input", in.Data, dsrc.Data)
	for _, p := range params {
		check(p.Name, p.Value.Data, p.Grad.Data)
	}
}

func TestLayerGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	layers := []struct {
		layer Layer
		dims  []int
	}{
		{NewConv("conv", 3, 4, 3, 1, true), []int{2, 5, 5, 3}},
		{NewConv("conv_s2", 3, 4, 3, 2, false), []int{2, 6, 5, 3}},
		{NewDepthwiseConv("depthwise", 3, 3, 2), []int{2, 6, 6, 3}},
		{NewSeparableConv("separable", 3, 5, 3, 1), []int{1, 4, 4, 3}},
		{NewBatchNorm("bn", 3), []int{2, 3, 3, 3}},
		{NewUpsample("upsample"), []int{2, 3, 2, 2}},
		{NewRegrid("pack", 2, 8), []int{1, 8, 8, 2}},
		{NewRegrid("unpack", 16, 8), []int{1, 2, 2, 8}},
		{NewHead("head", 4, 2, 0.01), []int{1, 3, 3, 4}},
	}
	for _, test := range layers {
		t.Run(test.layer.Name(), func(t *testing.T) {
			if p, ok := test.layer.(ParamLayer); ok {
				p.InitParams(rng)
			}
			in := randArray(rng, test.dims...)
			assert.Equal(t, test.layer.OutShape(test.dims), test.layer.Fprop(in, true).Dims())
			gradCheck(t, rng, test.layer, in)
		})
	}
}

func TestUpsample(t *testing.T) {
	l := NewUpsample("up")
	out := l.Fprop(num.FromSlice([]float32{1, 2}, 1, 1, 2, 1), false)
	assert.Equal(t, []int{1, 2, 4, 1}, out.Dims())
	assert.InDeltaSlice(t, []float32{1, 1.25, 1.75, 2, 1, 1.25, 1.75, 2}, out.Data, 1e-6)

	c := num.NewArray(1, 3, 3, 2)
	num.Fill(c, 5)
	out = l.Fprop(c, false)
	for _, v := range out.Data {
		assert.InDelta(t, 5, v, 1e-6)
	}
}

func TestRegrid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in := randArray(rng, 2, 8, 4, 3)
	pack := NewRegrid("pack", 2, 8)
	packed := pack.Fprop(in, false)
	assert.Equal(t, []int{2, 2, 1, 48}, packed.Dims())
	// pixel (y=5, x=2) of image 1 goes to cell (1, 0) at channel offset ((5%4)*4 + 2%4)*3
	assert.Equal(t, in.Data[((1*8+5)*4+2)*3:((1*8+5)*4+2)*3+3], packed.Data[(2+1)*48+(1*4+2)*3:(2+1)*48+(1*4+2)*3+3])

	unpack := NewRegrid("unpack", 8, 2)
	assert.Equal(t, in.Data, unpack.Fprop(packed, false).Data)

	same := NewRegrid("same", 8, 8)
	assert.Equal(t, 1, same.Factor)
	assert.Same(t, in, same.Fprop(in, false))
}

func TestBatchNormInference(t *testing.T) {
	l := NewBatchNorm("bn", 2)
	in := num.FromSlice([]float32{1, 10, 3, 20}, 1, 1, 2, 2)
	l.Momentum = 0
	l.Fprop(in, true)
	assert.InDeltaSlice(t, []float32{2, 15}, l.Mean.Data, 1e-6)
	assert.InDeltaSlice(t, []float32{1, 25}, l.Var.Data, 1e-5)

	out := l.Fprop(in, false)
	assert.InDelta(t, -1/math.Sqrt(1+1e-3), out.Data[0], 1e-5)
	assert.InDelta(t, 5/math.Sqrt(25+1e-3), out.Data[3], 1e-5)
}

func TestConvPanicsOnChannels(t *testing.T) {
	l := NewConv("conv", 3, 4, 3, 1, true)
	assert.Panics(t, func() { l.Fprop(num.NewArray(1, 4, 4, 2), false) })
}

func TestSeparableParams(t *testing.T) {
	l := NewSeparableConv("sep", 3, 8, 3, 1)
	var names []string
	for _, p := range l.Params() {
		names = append(names, p.String())
	}
	assert.Equal(t, []string{"sep/depthwise_kernel[9 3]", "sep/pointwise_kernel[3 8]", "sep/bias[8]"}, names)
}
