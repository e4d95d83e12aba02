// Package img contains routines for loading images and converting them to network input arrays.
package img

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/jnb666/deepdetect/num"
	"github.com/pkg/errors"
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range -1 to 1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R), clampu(c.G), clampu(c.B), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: norm(r >> 8), G: norm(g >> 8), B: norm(b >> 8)}
}

// RGBImage type is a view of a [H, W, 3] array of normalised pixel values as an image.
type RGBImage struct {
	Data   *num.Array
	Height int
	Width  int
}

// NewRGB wraps the array, which must have shape [H, W, 3] or [1, H, W, 3].
func NewRGB(a *num.Array) *RGBImage {
	dims := a.Dims()
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 || dims[2] != 3 {
		panic(num.NewShapeError("img.NewRGB", a.Dims(), "expecting [H W 3] image"))
	}
	return &RGBImage{Data: a, Height: dims[0], Width: dims[1]}
}

func (m *RGBImage) ColorModel() color.Model {
	return RGBModel
}

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{-1, -1, -1}
	}
	p := m.Data.Data[(y*m.Width+x)*3:]
	return RGB{R: p[0], G: p[1], B: p[2]}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	p := m.Data.Data[(y*m.Width+x)*3:]
	p[0], p[1], p[2] = rgb.R, rgb.G, rgb.B
}

// Image is a source image together with the network input generated from it.
type Image struct {
	Path   string
	Src    image.Image
	Width  int // original size
	Height int
	Data   *num.Array // [H, W, 3] resized and normalised
}

// Load reads a JPEG or PNG file and resizes it to width x height with bilinear interpolation.
func Load(path string, width, height int) (*Image, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "load image")
	}
	m := New(src, width, height)
	m.Path = path
	return m, nil
}

// New converts an image to the network input size.
func New(src image.Image, width, height int) *Image {
	b := src.Bounds()
	resized := imaging.Resize(src, width, height, imaging.Linear)
	return &Image{Src: src, Width: b.Dx(), Height: b.Dy(), Data: Normalise(resized)}
}

// Normalise converts 8 bit RGB values to an array [H, W, 3] with values x/127.5 - 1.
func Normalise(src *image.NRGBA) *num.Array {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	a := num.NewArray(h, w, 3)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+4*w]
		for x := 0; x < w; x++ {
			p := a.Data[(y*w+x)*3:]
			p[0], p[1], p[2] = norm(uint32(row[4*x])), norm(uint32(row[4*x+1])), norm(uint32(row[4*x+2]))
		}
	}
	return a
}

// ToImage converts normalised data back to an 8 bit image.
func (m *Image) ToImage() *image.NRGBA {
	return imaging.Clone(NewRGB(m.Data))
}

func norm(v uint32) float32 {
	return float32(v)/127.5 - 1
}

func clampu(x float32) uint32 {
	v := (x + 1) / 2
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint32(v * 0xffff)
}
