// Package codec maps ground truth boxes to per cell training targets and decodes
// network output tensors back into boxes in image coordinates.
package codec

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/jnb666/deepdetect/num"
	"github.com/pkg/errors"
)

const (
	// Stride is the ratio of input resolution to grid resolution.
	Stride = 8
	// DefaultThreshold is the minimum class probability for a detection.
	DefaultThreshold = 0.5
	// RegChannels is the number of regression values per cell and scale.
	RegChannels = 4
)

// Box is a ground truth box in model input pixels.
type Box struct {
	X, Y  float32 // centre
	W, H  float32
	Class int
}

func (b Box) area() float32 { return b.W * b.H }

// Detection is a decoded box in original image pixels, always inside the image.
type Detection struct {
	X, Y       float32 // centre
	Width      float32
	Height     float32
	Class      int
	Label      string
	Confidence float32
	Scale      int
}

// Bounds returns the top left and bottom right corners.
func (d Detection) Bounds() (x0, y0, x1, y1 float32) {
	return d.X - d.Width/2, d.Y - d.Height/2, d.X + d.Width/2, d.Y + d.Height/2
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.0f%% at (%.1f,%.1f) size %.1fx%.1f scale %d", d.Label, 100*d.Confidence, d.X, d.Y, d.Width, d.Height, d.Scale)
}

// Targets holds the encoded ground truth for one image.
type Targets struct {
	Boxes *num.Array // [A1, A2, 4, 5+C]
	Mask  *num.Array // [A1, A2, 4]
}

// Codec converts between boxes and grid tensors for a fixed input size and class count.
// Classes is zero for a single class model, where channel 4 is the only classification output.
type Codec struct {
	Width, Height int
	Classes       int
	Labels        []string
	Scales        Scales
	Layout        Layout
}

// New creates a codec for the given input size. The label list sets the class count:
// a single label gives a single class model.
func New(width, height int, labels []string, scales Scales, layout Layout) (*Codec, error) {
	if width <= 0 || height <= 0 || width%Stride != 0 || height%Stride != 0 {
		return nil, num.NewShapeError("codec.New", []int{height, width}, "input size must be a positive multiple of %d", Stride)
	}
	c := &Codec{Width: width, Height: height, Labels: labels, Scales: scales, Layout: layout}
	if len(labels) > 1 {
		c.Classes = len(labels)
	}
	return c, nil
}

// Channels is the size of the last dimension of target and output tensors.
func (c *Codec) Channels() int {
	return RegChannels + 1 + c.Classes
}

// Grid returns the grid tensor dimensions [A1, A2] in the codec layout.
func (c *Codec) Grid() []int {
	rows, cols := c.Height/Stride, c.Width/Stride
	if c.Layout == ColMajor {
		return []int{cols, rows}
	}
	return []int{rows, cols}
}

// BoxScale returns the box size prior for scale s. The largest prior never exceeds the input size.
func (c *Codec) BoxScale(s int) float32 {
	if s == NumScales-1 {
		return math32.Min(c.Scales[s], float32(max(c.Width, c.Height)))
	}
	return c.Scales[s]
}

// Label returns the display name for a class index.
func (c *Codec) Label(class int) string {
	if class >= 0 && class < len(c.Labels) {
		return c.Labels[class]
	}
	return fmt.Sprintf("class %d", class)
}

// ChooseScale picks the smallest prior which is at least as large as the box's longest side,
// or the largest prior for boxes bigger than all of them. Priors need not be in ascending order,
// on equal priors the lower index wins.
func (c *Codec) ChooseScale(w, h float32) int {
	dominant := math32.Max(w, h)
	best, largest := -1, 0
	for s := 0; s < NumScales; s++ {
		prior := c.BoxScale(s)
		if dominant <= prior && (best < 0 || prior < c.BoxScale(best)) {
			best = s
		}
		if prior > c.BoxScale(largest) {
			largest = s
		}
	}
	if best < 0 {
		return largest
	}
	return best
}

// NewTargets allocates empty target and mask tensors.
func (c *Codec) NewTargets() *Targets {
	grid := c.Grid()
	return &Targets{
		Boxes: num.NewArray(grid[0], grid[1], NumScales, c.Channels()),
		Mask:  num.NewArray(grid[0], grid[1], NumScales),
	}
}

// Encode writes one target per box at the cell holding its centre and the best matching scale.
// If two boxes land on the same cell and scale the smaller one is kept, on equal area the first.
func (c *Codec) Encode(boxes []Box) (*Targets, error) {
	t := c.NewTargets()
	grid := c.Grid()
	nch := c.Channels()
	area := make(map[int]float32)
	for i, b := range boxes {
		if err := c.checkBox(b); err != nil {
			return nil, errors.Wrapf(err, "box %d", i)
		}
		s := c.ChooseScale(b.W, b.H)
		scale := c.BoxScale(s)
		fx, fy := b.X/Stride, b.Y/Stride
		col, row := int(math32.Floor(fx)), int(math32.Floor(fy))
		a1, a2, reg := c.Layout.index(col, row, fx-float32(col), fy-float32(row),
			math32.Min(b.W/scale, 1), math32.Min(b.H/scale, 1))
		cell := (a1*grid[1]+a2)*NumScales + s
		if prev, ok := area[cell]; ok && prev <= b.area() {
			continue
		}
		area[cell] = b.area()
		out := t.Boxes.Data[cell*nch : (cell+1)*nch]
		for j := range out {
			out[j] = 0
		}
		copy(out, reg[:])
		out[RegChannels] = 1
		if c.Classes > 0 {
			out[RegChannels+1+b.Class] = 1
		}
		t.Mask.Data[cell] = 1
	}
	return t, nil
}

func (c *Codec) checkBox(b Box) error {
	switch {
	case !(b.W > 0 && b.H > 0):
		return errors.Errorf("size %gx%g must be positive", b.W, b.H)
	case b.X < 0 || b.Y < 0 || b.X >= float32(c.Width) || b.Y >= float32(c.Height):
		return errors.Errorf("centre (%g,%g) outside %dx%d input", b.X, b.Y, c.Width, c.Height)
	case c.Classes == 0 && b.Class != 0:
		return errors.Errorf("class %d invalid for single class model", b.Class)
	case c.Classes > 0 && (b.Class < 0 || b.Class >= c.Classes):
		return errors.Errorf("class %d out of range [0,%d)", b.Class, c.Classes)
	}
	return nil
}

// Decode converts the output tensor [A1, A2, 4, 5+C] for one image in the codec layout into
// detections in an original image of size origW x origH. Every cell and scale with class
// probability >= threshold gives one detection, there is no suppression of overlaps.
func (c *Codec) Decode(out *num.Array, threshold float32, origW, origH int) ([]Detection, error) {
	if err := c.checkOutput("Decode", out); err != nil {
		return nil, err
	}
	return c.decode(out, origW, origH, func(v []float32) (float32, int, bool) {
		prob, class := c.classProb(v)
		return prob, class, prob >= threshold
	}), nil
}

// DecodeTargets reconstructs the ground truth boxes from encoded targets using the mask.
func (c *Codec) DecodeTargets(t *Targets, origW, origH int) ([]Detection, error) {
	if err := c.checkOutput("DecodeTargets", t.Boxes); err != nil {
		return nil, err
	}
	nch := c.Channels()
	idx := 0
	return c.decode(t.Boxes, origW, origH, func(v []float32) (float32, int, bool) {
		cell := idx
		idx++
		if t.Mask.Data[cell] == 0 {
			return 0, 0, false
		}
		return 1, argmax(v[RegChannels+1 : nch]), true
	}), nil
}

// Probabilities returns the per cell and scale class probability for one image output as
// [A1, A2, 4], using the same rule as Decode.
func (c *Codec) Probabilities(out *num.Array) (*num.Array, error) {
	if err := c.checkOutput("Probabilities", out); err != nil {
		return nil, err
	}
	dims := out.Dims()
	prob := num.NewArray(dims[0], dims[1], dims[2])
	nch := c.Channels()
	for i := range prob.Data {
		prob.Data[i], _ = c.classProb(out.Data[i*nch : (i+1)*nch])
	}
	return prob, nil
}

func (c *Codec) checkOutput(op string, out *num.Array) error {
	dims := out.Dims()
	grid := c.Grid()
	if len(dims) != 4 || dims[0] != grid[0] || dims[1] != grid[1] || dims[2] != NumScales || dims[3] != c.Channels() {
		return num.NewShapeError(op, dims, "expecting [%d %d %d %d] in %s layout", grid[0], grid[1], NumScales, c.Channels(), c.Layout)
	}
	return nil
}

// classProb returns the object probability and class for one cell: the single channel for a
// single class model, else the maximum over the per class channels.
func (c *Codec) classProb(v []float32) (float32, int) {
	if c.Classes == 0 {
		return num.Sigm(v[RegChannels]), 0
	}
	class := argmax(v[RegChannels+1:])
	return num.Sigm(v[RegChannels+1+class]), class
}

type selectFunc func(v []float32) (prob float32, class int, ok bool)

func (c *Codec) decode(t *num.Array, origW, origH int, sel selectFunc) []Detection {
	grid := c.Grid()
	nch := c.Channels()
	rx := float32(origW) / float32(c.Width)
	ry := float32(origH) / float32(c.Height)
	var dets []Detection
	// scan cells in memory order so sel sees every cell once, then emit grouped by scale
	perScale := make([][]Detection, NumScales)
	for a1 := 0; a1 < grid[0]; a1++ {
		for a2 := 0; a2 < grid[1]; a2++ {
			for s := 0; s < NumScales; s++ {
				off := ((a1*grid[1]+a2)*NumScales + s) * nch
				v := t.Data[off : off+nch]
				prob, class, ok := sel(v)
				if !ok {
					continue
				}
				col, row, dx, dy, w, h := c.Layout.cell(a1, a2, v)
				scale := c.BoxScale(s)
				d := Detection{
					X:          rx * (float32(col) + dx) * Stride,
					Y:          ry * (float32(row) + dy) * Stride,
					Width:      rx * scale * w,
					Height:     ry * scale * h,
					Class:      class,
					Label:      c.Label(class),
					Confidence: prob,
					Scale:      s,
				}
				perScale[s] = append(perScale[s], clamp(d, float32(origW), float32(origH)))
			}
		}
	}
	for _, d := range perScale {
		dets = append(dets, d...)
	}
	return dets
}

// clamp limits the box size to the image size, then moves the box so it lies inside the image.
// A box wider than the image comes out exactly as wide as the image.
func clamp(d Detection, width, height float32) Detection {
	d.Width = math32.Min(d.Width, width)
	d.Height = math32.Min(d.Height, height)
	x0 := math32.Min(math32.Max(d.X-d.Width/2, 0), width-d.Width)
	y0 := math32.Min(math32.Max(d.Y-d.Height/2, 0), height-d.Height)
	d.X, d.Y = x0+d.Width/2, y0+d.Height/2
	return d
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}
