// Package nnet contains routines for constructing and training the hourglass detection network.
package nnet

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/num"
	"go.uber.org/zap"
)

const (
	// Stages is the number of downsample and upsample steps.
	Stages = 6
	// TotalStride is the ratio of input size to the coarsest feature map.
	TotalStride = 1 << Stages
)

// Options defines the network architecture.
type Options struct {
	Filters   int // channels after the stem, doubled at each downsample
	Features  int // channels of the fused feature map
	Repeats   int // convolution units per block
	Classes   int // 0 for a single class model
	PriorProb float32
	Block     BlockConfig
}

// Validate checks the options are in range.
func (o Options) Validate() error {
	switch {
	case o.Filters < 1:
		return num.NewConfigError("Filters", "must be at least 1, got %d", o.Filters)
	case o.Features < 1:
		return num.NewConfigError("Features", "must be at least 1, got %d", o.Features)
	case o.Repeats < 1:
		return num.NewConfigError("Repeats", "must be at least 1, got %d", o.Repeats)
	case o.Classes < 0 || o.Classes == 1:
		return num.NewConfigError("Classes", "must be 0 or at least 2, got %d", o.Classes)
	case !(o.PriorProb > 0 && o.PriorProb < 1):
		return num.NewConfigError("PriorProb", "must be in range (0,1), got %g", o.PriorProb)
	}
	return nil
}

// Network type represents the hourglass encoder / decoder with the detection head.
//
// The stem convolution is followed by 6 encoder stages, each a residual block and a stride 2
// downsample. From the second stage on the block input is added to its output. The decoder
// has 6 stages of bilinear upsample then block, adding the matching encoder input before each
// upsample. All 12 stage outputs are regridded to stride 8, concatenated on the channel axis
// and fused by a final block which feeds the head.
type Network struct {
	Options
	stem   ParamLayer
	enc    []*CNNBlock
	down   []*Sequence
	ups    []*Upsample
	dec    []*CNNBlock
	regrid []*Regrid
	widths []int
	fuse   *CNNBlock
	head   *Head
	log    *zap.Logger
}

// New function creates a new network with the given options. Weights are not initialised.
func New(opts Options, log *zap.Logger) (*Network, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := NewBuilder(opts.Block)
	f := opts.Filters
	n := &Network{Options: opts, log: log}
	n.stem = b.Conv(b.Name("stem"), 3, f, 1)
	for i := 0; i < Stages; i++ {
		n.enc = append(n.enc, b.CNNBlock("cnn_block", f<<i, f<<i, opts.Repeats))
		n.down = append(n.down, b.Downsample("down_block", f<<i, f<<(i+1)))
		n.regrid = append(n.regrid, NewRegrid(b.Name("enc_regrid"), 2<<i, codec.Stride))
	}
	for j := 0; j < Stages; j++ {
		n.ups = append(n.ups, NewUpsample(b.Name("upsample")))
		n.dec = append(n.dec, b.CNNBlock("dec_block", f<<(Stages-j), f<<(Stages-1-j), opts.Repeats))
		n.regrid = append(n.regrid, NewRegrid(b.Name("dec_regrid"), 1<<(Stages-1-j), codec.Stride))
	}
	total := 0
	for i, r := range n.regrid {
		ch := f << (i + 1)
		if i >= Stages {
			ch = f << (2*Stages - 1 - i)
		}
		w := r.OutShape([]int{1, 64, 64, ch})[3]
		n.widths = append(n.widths, w)
		total += w
	}
	n.fuse = b.CNNBlock("final_out", total, opts.Features, opts.Repeats)
	n.head = NewHead("head_out", opts.Features, opts.Classes, opts.PriorProb)
	log.Debug("created network", zap.Int("concat_channels", total), zap.Int("params", n.NumParams()))
	return n, nil
}

// Channels is the size of the last output dimension.
func (n *Network) Channels() int { return n.head.Channels() }

// CheckInput validates an input batch shape [B, H, W, 3] with H and W divisible by TotalStride.
func (n *Network) CheckInput(dims []int) error {
	switch {
	case len(dims) != 4:
		return num.NewShapeError("Network.Fprop", dims, "expecting [batch height width 3]")
	case dims[0] < 1:
		return num.NewShapeError("Network.Fprop", dims, "empty batch")
	case dims[3] != 3:
		return num.NewShapeError("Network.Fprop", dims, "expecting 3 channels, got %d", dims[3])
	case dims[1] < TotalStride || dims[2] < TotalStride || dims[1]%TotalStride != 0 || dims[2]%TotalStride != 0:
		return num.NewShapeError("Network.Fprop", dims, "height and width must be positive multiples of %d", TotalStride)
	}
	return nil
}

// OutShape returns the output shape [B, H/8, W/8, 4, 5+Classes] for input shape [B, H, W, 3].
func (n *Network) OutShape(dims []int) []int {
	return []int{dims[0], dims[1] / codec.Stride, dims[2] / codec.Stride, codec.NumScales, n.Channels()}
}

// Fprop feeds forward the input batch to get the raw model output in row major layout.
// If train is set batch norm uses batch statistics and updates its running averages.
func (n *Network) Fprop(x *num.Array, train bool) (*num.Array, error) {
	if err := n.CheckInput(x.Dims()); err != nil {
		return nil, err
	}
	feats := make([]*num.Array, 0, 2*Stages)
	skip := make([]*num.Array, Stages)
	d := n.enc[0].Fprop(n.stem.Fprop(x, train), train)
	d = n.down[0].Fprop(d, train)
	feats = append(feats, n.regrid[0].Fprop(d, train))
	for i := 1; i < Stages; i++ {
		c := n.enc[i].Fprop(d, train)
		num.Axpy(1, d, c)
		skip[i] = c
		d = n.down[i].Fprop(c, train)
		feats = append(feats, n.regrid[i].Fprop(d, train))
	}
	e := d
	for j := 0; j < Stages; j++ {
		if j > 0 {
			sum := num.NewArrayLike(e)
			num.Add(skip[Stages-j], e, sum)
			e = sum
		}
		e = n.dec[j].Fprop(n.ups[j].Fprop(e, train), train)
		feats = append(feats, n.regrid[Stages+j].Fprop(e, train))
	}
	f := n.fuse.Fprop(concat(feats), train)
	return n.head.Fprop(f, train), nil
}

// Bprop back propagates the gradient of the loss with respect to the output of the last Fprop call,
// adding to the parameter gradients. Returns the gradient with respect to the input.
func (n *Network) Bprop(grad *num.Array) *num.Array {
	parts := split(n.fuse.Bprop(n.head.Bprop(grad)), n.widths)
	// decoder, ge is the gradient flowing into decoder stage j output from stage j+1
	var ge *num.Array
	skip := make([]*num.Array, Stages)
	for j := Stages - 1; j >= 0; j-- {
		g := n.regrid[Stages+j].Bprop(parts[Stages+j])
		if ge != nil {
			num.Axpy(1, ge, g)
		}
		ge = n.ups[j].Bprop(n.dec[j].Bprop(g))
		if j > 0 {
			skip[Stages-j] = ge
		}
	}
	// encoder, ge is now the gradient for the last downsample output
	gd := n.regrid[Stages-1].Bprop(parts[Stages-1])
	num.Axpy(1, ge, gd)
	for i := Stages - 1; i >= 1; i-- {
		gin := n.down[i].Bprop(gd)
		num.Axpy(1, skip[i], gin)
		gd = n.regrid[i-1].Bprop(parts[i-1])
		num.Axpy(1, gin, gd)
		num.Axpy(1, n.enc[i].Bprop(gin), gd)
	}
	g := n.enc[0].Bprop(n.down[0].Bprop(gd))
	return n.stem.Bprop(g)
}

// Predict returns the model output for the input batch in inference mode.
func (n *Network) Predict(x *num.Array) (*num.Array, error) {
	return n.Fprop(x, false)
}

// Params returns all trainable parameters in a fixed order.
func (n *Network) Params() []*Param {
	var params []*Param
	for _, l := range n.layers() {
		params = append(params, l.Params()...)
	}
	return params
}

// NumParams returns the total number of trainable weights.
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += p.Value.Size()
	}
	return total
}

// InitWeights initialises all parameters and resets the batch norm statistics.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, l := range n.layers() {
		l.InitParams(rng)
	}
}

// ZeroGrads clears the accumulated parameter gradients.
func (n *Network) ZeroGrads() {
	for _, p := range n.Params() {
		num.Fill(p.Grad, 0)
	}
}

// Print network description
func (n *Network) String() string {
	s := []string{fmt.Sprintf("%-12s %s", n.stem.Name(), n.stem)}
	for i := range n.enc {
		s = append(s, fmt.Sprintf("%-12s %s", n.enc[i].Name(), n.enc[i]), fmt.Sprintf("%-12s %s", n.down[i].Name(), n.down[i]))
	}
	for j := range n.dec {
		s = append(s, fmt.Sprintf("%-12s %s", n.dec[j].Name(), n.dec[j]))
	}
	s = append(s, fmt.Sprintf("%-12s %s", n.fuse.Name(), n.fuse), fmt.Sprintf("%-12s %s", n.head.Name(), n.head))
	return fmt.Sprintf("== Network == %d params\n%s", n.NumParams(), strings.Join(s, "\n"))
}

func (n *Network) layers() []ParamLayer {
	list := []ParamLayer{n.stem}
	for i := range n.enc {
		list = append(list, n.enc[i], n.down[i])
	}
	for _, l := range n.dec {
		list = append(list, l)
	}
	return append(list, n.fuse, n.head)
}

// concat joins NHWC arrays with the same spatial size along the channel axis.
func concat(parts []*num.Array) *num.Array {
	dims := parts[0].Dims()
	total := 0
	for _, p := range parts {
		total += p.Dim(3)
	}
	out := num.NewArray(dims[0], dims[1], dims[2], total)
	npix := dims[0] * dims[1] * dims[2]
	off := 0
	for _, p := range parts {
		c := p.Dim(3)
		for i := 0; i < npix; i++ {
			copy(out.Data[i*total+off:i*total+off+c], p.Data[i*c:(i+1)*c])
		}
		off += c
	}
	return out
}

// split is the inverse of concat.
func split(a *num.Array, widths []int) []*num.Array {
	dims := a.Dims()
	total := dims[3]
	npix := dims[0] * dims[1] * dims[2]
	parts := make([]*num.Array, len(widths))
	off := 0
	for k, c := range widths {
		p := num.NewArray(dims[0], dims[1], dims[2], c)
		for i := 0; i < npix; i++ {
			copy(p.Data[i*c:(i+1)*c], a.Data[i*total+off:i*total+off+c])
		}
		parts[k] = p
		off += c
	}
	return parts
}
