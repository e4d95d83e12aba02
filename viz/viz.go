// Package viz draws decoded detections over the source image.
package viz

import (
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/img"
	"github.com/jnb666/deepdetect/num"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Predictor returns the row major model output [B, A1, A2, 4, 5+C] for an input batch.
type Predictor interface {
	Predict(x *num.Array) (*num.Array, error)
}

// Options for rendering detections.
type Options struct {
	Threshold float32
	Heatmap   bool
	Title     string
	Truth     []codec.Detection // drawn in black if set
	Output    string            // file to write, format from the extension
	LineWidth float64
	Log       *zap.Logger
}

var (
	boxColor   = color.NRGBA{255, 0, 0, 255}
	truthColor = color.NRGBA{0, 0, 0, 255}
)

// Detect runs the network on a loaded image and decodes the detections in original image pixels.
// It also returns the class probability map [A1, A2, 4] in the codec layout.
func Detect(m *img.Image, net Predictor, c *codec.Codec, threshold float32) ([]codec.Detection, *num.Array, error) {
	out, err := net.Predict(m.Data.Reshape(1, c.Height, c.Width, 3))
	if err != nil {
		return nil, nil, err
	}
	dims := out.Dims()
	grid := codec.Convert(out.Reshape(dims[1:]...), codec.RowMajor, c.Layout)
	dets, err := c.Decode(grid, threshold, m.Width, m.Height)
	if err != nil {
		return nil, nil, err
	}
	prob, err := c.Probabilities(grid)
	return dets, prob, err
}

// DetectResults loads the image, runs detection, and writes the annotated image to opts.Output
// if it is set.
func DetectResults(path string, net Predictor, c *codec.Codec, opts Options) ([]codec.Detection, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m, err := img.Load(path, c.Width, c.Height)
	if err != nil {
		return nil, err
	}
	if opts.Threshold == 0 {
		opts.Threshold = codec.DefaultThreshold
	}
	dets, prob, err := Detect(m, net, c, opts.Threshold)
	if err != nil {
		return nil, err
	}
	for _, d := range dets {
		log.Info("detection", zap.String("image", path), zap.Stringer("box", d))
	}
	if opts.Output == "" {
		return dets, nil
	}
	var heat image.Image
	if opts.Heatmap {
		heat = Heatmap(c, prob, m.Width, m.Height)
	}
	if err := Save(Render(m.Src, dets, heat, opts), opts.Output); err != nil {
		return dets, err
	}
	log.Debug("saved image", zap.String("file", opts.Output), zap.Int("detections", len(dets)))
	return dets, nil
}

// ShowGroundTruth renders the boxes encoded in a target tensor over the image.
func ShowGroundTruth(m *img.Image, t *codec.Targets, c *codec.Codec, file string) error {
	truth, err := c.DecodeTargets(t, m.Width, m.Height)
	if err != nil {
		return err
	}
	return Save(Render(m.Src, nil, nil, Options{Truth: truth}), file)
}

// Render draws the optional heatmap, ground truth boxes and detections on a copy of src.
func Render(src image.Image, dets []codec.Detection, heat image.Image, opts Options) image.Image {
	dc := gg.NewContextForImage(src)
	if heat != nil {
		dc.DrawImage(heat, 0, 0)
	}
	lw := opts.LineWidth
	if lw == 0 {
		lw = 2
	}
	dc.SetLineWidth(lw)
	dc.SetColor(truthColor)
	for _, d := range opts.Truth {
		drawBox(dc, d)
	}
	for _, d := range dets {
		dc.SetColor(boxColor)
		x0, y0 := drawBox(dc, d)
		label := fmt.Sprintf("%s: %d%%", d.Label, int(100*d.Confidence+0.5))
		w, h := dc.MeasureString(label)
		ty := y0 - 2
		if ty-h < 0 {
			ty = y0 + h + 2
		}
		dc.DrawRectangle(x0, ty-h-1, w+4, h+3)
		dc.Fill()
		dc.SetColor(color.White)
		dc.DrawString(label, x0+2, ty)
	}
	if opts.Title != "" {
		dc.SetColor(color.Black)
		dc.DrawStringAnchored(opts.Title, float64(dc.Width())/2, 4, 0.5, 1)
	}
	return dc.Image()
}

func drawBox(dc *gg.Context, d codec.Detection) (x0, y0 float64) {
	bx0, by0, bx1, by1 := d.Bounds()
	x0, y0 = float64(bx0), float64(by0)
	dc.DrawRectangle(x0, y0, float64(bx1-bx0), float64(by1-by0))
	dc.Stroke()
	return x0, y0
}

// Heatmap returns the maximum class probability over scales for each grid cell as a jet colour
// map at 50% opacity, resized to width x height.
func Heatmap(c *codec.Codec, prob *num.Array, width, height int) image.Image {
	rows, cols := c.Height/codec.Stride, c.Width/codec.Stride
	grid := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cell := row*cols + col
			if c.Layout == codec.ColMajor {
				cell = col*rows + row
			}
			p := prob.Data[cell*codec.NumScales : (cell+1)*codec.NumScales]
			v := p[0]
			for _, x := range p[1:] {
				v = max(v, x)
			}
			r, g, b := Jet(float64(v)).RGB255()
			grid.SetNRGBA(col, row, color.NRGBA{r, g, b, 128})
		}
	}
	return transform.Resize(grid, width, height, transform.Linear)
}

// jet colour map stops
var cmap = []colorful.Color{
	{R: 0, G: 0, B: .5}, {R: 0, G: 0, B: 1}, {R: 0, G: .5, B: 1}, {R: 0, G: 1, B: 1}, {R: .5, G: 1, B: .5},
	{R: 1, G: 1, B: 0}, {R: 1, G: .5, B: 0}, {R: 1, G: 0, B: 0}, {R: .5, G: 0, B: 0},
}

// Jet maps v in [0,1] to the dark blue to dark red colour scale.
func Jet(v float64) colorful.Color {
	x := min(max(v, 0), 1) * float64(len(cmap)-1)
	i := int(x)
	if i >= len(cmap)-1 {
		return cmap[len(cmap)-1]
	}
	return cmap[i].BlendRgb(cmap[i+1], x-float64(i))
}

// Save writes the image to file, the format is chosen from the file extension.
func Save(m image.Image, file string) error {
	return errors.Wrap(imaging.Save(m, file), "save image")
}
