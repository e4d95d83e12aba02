package nnet

import (
	"fmt"
	"math/rand"

	"github.com/jnb666/deepdetect/num"
)

// NormOrder sets where batch normalisation goes in a convolution unit.
type NormOrder int

const (
	// NormFirst normalises the unit input before the convolution.
	NormFirst NormOrder = iota
	// NormLast normalises the convolution output before the activation.
	NormLast
)

func (o NormOrder) String() string {
	if o == NormLast {
		return "norm_last"
	}
	return "norm_first"
}

// ParseNormOrder converts a config string to a NormOrder.
func ParseNormOrder(s string) (NormOrder, error) {
	switch s {
	case "norm_first", "":
		return NormFirst, nil
	case "norm_last":
		return NormLast, nil
	default:
		return NormFirst, num.NewConfigError("NormOrder", "%q is not norm_first or norm_last", s)
	}
}

// BlockConfig holds the options shared by every convolution block of a network.
type BlockConfig struct {
	KernelSize int
	Separable  bool
	BatchNorm  bool
	Norm       NormOrder
}

// Builder constructs layers and blocks with unique names. Names are made from a
// prefix and a counter which is local to the builder.
type Builder struct {
	BlockConfig
	counts map[string]int
}

func NewBuilder(cfg BlockConfig) *Builder {
	if cfg.KernelSize == 0 {
		cfg.KernelSize = 3
	}
	return &Builder{BlockConfig: cfg, counts: make(map[string]int)}
}

// Name returns the next unique name for the given prefix, starting from prefix_1.
func (b *Builder) Name(prefix string) string {
	b.counts[prefix]++
	return fmt.Sprintf("%s_%d", prefix, b.counts[prefix])
}

// Conv returns a separable or plain convolution depending on the block config.
func (b *Builder) Conv(name string, in, filters, stride int) ParamLayer {
	if b.Separable {
		return NewSeparableConv(name, in, filters, b.KernelSize, stride)
	}
	return NewConv(name, in, filters, b.KernelSize, stride, true)
}

// unit is one [BN] -> conv -> [BN] -> relu step. With norm_first the input normalisation
// is split out as pre so that a residual connection can add the normalised input.
func (b *Builder) unit(name string, in, filters, stride int) (pre Layer, body *Sequence) {
	conv := b.Conv(name+"_cnn", in, filters, stride)
	switch {
	case b.BatchNorm && b.Norm == NormFirst:
		return NewBatchNorm(name+"_bn", in), NewSequence(name, conv, NewRelu(name+"_relu"))
	case b.BatchNorm:
		return nil, NewSequence(name, conv, NewBatchNorm(name+"_bn", filters), NewRelu(name+"_relu"))
	default:
		return nil, NewSequence(name, conv, NewRelu(name+"_relu"))
	}
}

// CNNBlock returns a block of repeats convolution units with stride 1. Each unit after the
// first adds its input back onto its output.
func (b *Builder) CNNBlock(prefix string, in, filters, repeats int) *CNNBlock {
	blk := &CNNBlock{name: b.Name(prefix)}
	for i := 0; i < max(repeats, 1); i++ {
		pre, body := b.unit(fmt.Sprintf("%s_%d", blk.name, i), in, filters, 1)
		blk.units = append(blk.units, &residualUnit{pre: pre, body: body, residual: i > 0})
		in = filters
	}
	return blk
}

// Downsample returns a stride 2 convolution unit.
func (b *Builder) Downsample(prefix string, in, filters int) *Sequence {
	name := b.Name(prefix)
	pre, body := b.unit(name, in, filters, 2)
	if pre != nil {
		body.Layers = append([]Layer{pre}, body.Layers...)
	}
	return body
}

// CNNBlock is a stack of convolution units with residual connections, implements ParamLayer interface.
type CNNBlock struct {
	name  string
	units []*residualUnit
}

func (l *CNNBlock) Name() string { return l.name }

func (l *CNNBlock) String() string {
	return fmt.Sprintf("%s: %d x [%s]", l.name, len(l.units), l.units[0])
}

func (l *CNNBlock) OutShape(s []int) []int {
	for _, u := range l.units {
		s = u.body.OutShape(s)
	}
	return s
}

func (l *CNNBlock) InitParams(rng *rand.Rand) {
	for _, u := range l.units {
		if p, ok := u.pre.(ParamLayer); ok {
			p.InitParams(rng)
		}
		u.body.InitParams(rng)
	}
}

func (l *CNNBlock) Params() (params []*Param) {
	for _, u := range l.units {
		if p, ok := u.pre.(ParamLayer); ok {
			params = append(params, p.Params()...)
		}
		params = append(params, u.body.Params()...)
	}
	return params
}

func (l *CNNBlock) Fprop(in *num.Array, train bool) *num.Array {
	for _, u := range l.units {
		in = u.fprop(in, train)
	}
	return in
}

func (l *CNNBlock) Bprop(grad *num.Array) *num.Array {
	for i := len(l.units) - 1; i >= 0; i-- {
		grad = l.units[i].bprop(grad)
	}
	return grad
}

type residualUnit struct {
	pre      Layer
	body     *Sequence
	residual bool
}

func (u *residualUnit) String() string {
	if u.pre != nil {
		return u.pre.String() + " -> " + u.body.String()
	}
	return u.body.String()
}

func (u *residualUnit) fprop(in *num.Array, train bool) *num.Array {
	if u.pre != nil {
		in = u.pre.Fprop(in, train)
	}
	out := u.body.Fprop(in, train)
	if u.residual {
		num.Axpy(1, in, out)
	}
	return out
}

func (u *residualUnit) bprop(grad *num.Array) *num.Array {
	dsrc := u.body.Bprop(grad)
	if u.residual {
		num.Axpy(1, grad, dsrc)
	}
	if u.pre != nil {
		dsrc = u.pre.Bprop(dsrc)
	}
	return dsrc
}
