package viz

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/img"
	"github.com/jnb666/deepdetect/num"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixed output with a single confident box at row 4, col 4, scale 0
type fakeNet struct{}

func (fakeNet) Predict(x *num.Array) (*num.Array, error) {
	out := num.NewArray(1, 8, 8, codec.NumScales, 5)
	for i := 0; i < out.Size(); i += 5 {
		out.Data[i+4] = -10
	}
	cell := ((4*8 + 4) * codec.NumScales) * 5
	copy(out.Data[cell:cell+5], []float32{0.5, 0.5, 0.5, 0.5, 10})
	return out, nil
}

func newCodec(t *testing.T, layout codec.Layout) *codec.Codec {
	c, err := codec.New(64, 64, []string{"cat"}, codec.DefaultScales(64, 64), layout)
	require.NoError(t, err)
	return c
}

func TestDetectResults(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	require.NoError(t, imaging.Save(imaging.New(128, 64, color.NRGBA{200, 200, 200, 255}), src))
	out := filepath.Join(dir, "out.png")

	dets, err := DetectResults(src, fakeNet{}, newCodec(t, codec.RowMajor), Options{Heatmap: true, Title: "test", Output: out})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	d := dets[0]
	assert.Equal(t, "cat", d.Label)
	assert.InDelta(t, 72, d.X, 1e-3)
	assert.InDelta(t, 36, d.Y, 1e-3)
	assert.InDelta(t, 64, d.Width, 1e-3)
	assert.InDelta(t, 32, d.Height, 1e-3)
	assert.Greater(t, d.Confidence, float32(0.99))

	m, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, 128, m.Bounds().Dx())
	assert.Equal(t, 64, m.Bounds().Dy())
	r, g, _, _ := m.At(40, 40).RGBA()
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))
}

func TestDetectNoOutput(t *testing.T) {
	src := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, imaging.Save(imaging.New(64, 64, color.White), src))
	dets, err := DetectResults(src, fakeNet{}, newCodec(t, codec.RowMajor), Options{Threshold: 0.5})
	require.NoError(t, err)
	assert.Len(t, dets, 1)

	_, err = DetectResults(filepath.Join(t.TempDir(), "none.png"), fakeNet{}, newCodec(t, codec.RowMajor), Options{})
	assert.Error(t, err)
}

func TestShowGroundTruth(t *testing.T) {
	c := newCodec(t, codec.ColMajor)
	m := img.New(imaging.New(64, 64, color.White), 64, 64)
	targets, err := c.Encode([]codec.Box{{X: 20, Y: 30, W: 16, H: 16}})
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "truth.png")
	require.NoError(t, ShowGroundTruth(m, targets, c, file))

	out, err := imaging.Open(file)
	require.NoError(t, err)
	// left edge of the box at x=12
	r, _, _, _ := out.At(12, 30).RGBA()
	assert.Less(t, r>>8, uint32(60))
	r, _, _, _ = out.At(20, 30).RGBA()
	assert.Equal(t, uint32(255), r>>8)
}

func TestHeatmap(t *testing.T) {
	c := newCodec(t, codec.ColMajor)
	prob := num.NewArray(8, 8, codec.NumScales)
	// col 1, row 6 in col major layout
	prob.Data[(1*8+6)*codec.NumScales+2] = 1
	heat := Heatmap(c, prob, 16, 16)
	assert.Equal(t, 16, heat.Bounds().Dx())
	r, _, b, a := heat.At(2, 12).RGBA()
	assert.Greater(t, r, b)
	assert.InDelta(t, 128, a>>8, 2)
}

func TestJet(t *testing.T) {
	assert.Equal(t, colorful.Color{R: 0, G: 0, B: 0.5}, Jet(0))
	assert.Equal(t, colorful.Color{R: 0.5, G: 1, B: 0.5}, Jet(0.5))
	assert.Equal(t, colorful.Color{R: 0.5, G: 0, B: 0}, Jet(1))
	assert.Equal(t, Jet(1), Jet(3))
}
