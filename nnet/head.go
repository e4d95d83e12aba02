package nnet

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/num"
)

// Head is the detection head. A 3x3 convolution gives 4*(5+Classes) channels which are
// viewed as [B, A1, A2, 4, 5+Classes]. The first 4 channels are passed through a sigmoid,
// the classification logits get an extra trainable bias initialised to log(prior/(1-prior)).
type Head struct {
	name      string
	Classes   int
	PriorProb float32
	conv      *Conv
	bias      *Param
	out       *num.Array
}

func NewHead(name string, in, classes int, prior float32) *Head {
	nch := codec.RegChannels + 1 + classes
	return &Head{
		name:      name,
		Classes:   classes,
		PriorProb: prior,
		conv:      NewConv(name+"_cnn", in, codec.NumScales*nch, 3, 1, true),
		bias:      newParam(name+"/focal_bias", 1+classes),
	}
}

// Channels is the size of the last output dimension.
func (l *Head) Channels() int { return codec.RegChannels + 1 + l.Classes }

func (l *Head) Name() string { return l.name }

func (l *Head) String() string {
	return fmt.Sprintf("head %s -> %d scales x %d, prior %g", l.conv, codec.NumScales, l.Channels(), l.PriorProb)
}

func (l *Head) OutShape(s []int) []int {
	s = l.conv.OutShape(s)
	return []int{s[0], s[1], s[2], codec.NumScales, l.Channels()}
}

func (l *Head) InitParams(rng *rand.Rand) {
	l.conv.InitParams(rng)
	num.Fill(l.bias.Value, math32.Log(l.PriorProb/(1-l.PriorProb)))
}

func (l *Head) Params() []*Param {
	return append(l.conv.Params(), l.bias)
}

func (l *Head) Fprop(in *num.Array, train bool) *num.Array {
	z := l.conv.Fprop(in, train)
	out := z.Reshape(l.OutShape(in.Dims())...)
	nch := l.Channels()
	bias := l.bias.Value.Data
	for i := 0; i < out.Size(); i += nch {
		v := out.Data[i : i+nch]
		for j := 0; j < codec.RegChannels; j++ {
			v[j] = num.Sigm(v[j])
		}
		for j, b := range bias {
			v[codec.RegChannels+j] += b
		}
	}
	l.out = out
	return out
}

func (l *Head) Bprop(grad *num.Array) *num.Array {
	nch := l.Channels()
	dz := num.NewArrayLike(grad)
	dbias := l.bias.Grad.Data
	for i := 0; i < grad.Size(); i += nch {
		g, r, d := grad.Data[i:i+nch], l.out.Data[i:i+nch], dz.Data[i:i+nch]
		for j := 0; j < codec.RegChannels; j++ {
			d[j] = g[j] * r[j] * (1 - r[j])
		}
		for j := codec.RegChannels; j < nch; j++ {
			d[j] = g[j]
			dbias[j-codec.RegChannels] += g[j]
		}
	}
	dims := grad.Dims()
	return l.conv.Bprop(dz.Reshape(dims[0], dims[1], dims[2], codec.NumScales*nch))
}
