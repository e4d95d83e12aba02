package codec

import (
	"math/rand"
	"testing"

	"github.com/jnb666/deepdetect/num"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logit = 20

// oneHotOutput builds the model output which a perfect network would produce for the targets.
func oneHotOutput(c *Codec, t *Targets) *num.Array {
	out := t.Boxes.Clone()
	nch := c.Channels()
	for i := 0; i < out.Size(); i += nch {
		for j := RegChannels; j < nch; j++ {
			if out.Data[i+j] > 0 {
				out.Data[i+j] = logit
			} else {
				out.Data[i+j] = -logit
			}
		}
	}
	return out
}

func newCodec(t *testing.T, size int, labels []string, layout Layout) *Codec {
	c, err := New(size, size, labels, DefaultScales(size, size), layout)
	require.NoError(t, err)
	return c
}

func TestScales(t *testing.T) {
	s, err := NewScales([]float32{32, 64, 128, 256})
	require.NoError(t, err)
	assert.Equal(t, Scales{32, 64, 128, 256}, s)

	_, err = NewScales([]float32{32, 64, 128})
	var cerr *num.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "Scales", cerr.Field)

	_, err = NewScales([]float32{32, 64, 0, 128})
	assert.Error(t, err)

	assert.Equal(t, Scales{64, 128, 256, 448}, DefaultScales(448, 448))
	assert.Equal(t, Scales{64, 128, 256, 512}, DefaultScales(640, 480))
}

func TestChooseScale(t *testing.T) {
	c := newCodec(t, 448, []string{"obj"}, RowMajor)
	assert.Equal(t, 0, c.ChooseScale(30, 64))
	assert.Equal(t, 1, c.ChooseScale(100, 100))
	assert.Equal(t, 2, c.ChooseScale(200, 129))
	assert.Equal(t, 3, c.ChooseScale(300, 10))
	assert.Equal(t, 3, c.ChooseScale(1000, 1000))

	scales, err := NewScales([]float32{256, 128, 64, 448})
	require.NoError(t, err)
	c, err = New(448, 448, []string{"obj"}, scales, RowMajor)
	require.NoError(t, err)
	assert.Equal(t, 2, c.ChooseScale(50, 50))
	assert.Equal(t, 1, c.ChooseScale(100, 64))
	assert.Equal(t, 0, c.ChooseScale(200, 129))
	assert.Equal(t, 3, c.ChooseScale(300, 10))
	assert.Equal(t, 3, c.ChooseScale(1000, 1000))

	targets, err := c.Encode([]Box{{X: 100, Y: 100, W: 50, H: 50}})
	require.NoError(t, err)
	dets, err := c.DecodeTargets(targets, 448, 448)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 2, dets[0].Scale)
	assert.InDelta(t, 50, dets[0].Width, 1e-3)

	// duplicate priors resolve to the lower index
	scales, err = NewScales([]float32{128, 64, 64, 448})
	require.NoError(t, err)
	c, err = New(448, 448, []string{"obj"}, scales, RowMajor)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ChooseScale(50, 50))
}

func TestEndToEnd(t *testing.T) {
	c := newCodec(t, 448, []string{"cat", "dog"}, RowMajor)
	targets, err := c.Encode([]Box{{X: 224, Y: 224, W: 100, H: 100, Class: 1}})
	require.NoError(t, err)

	assert.Equal(t, 1.0, num.Sum(targets.Mask))
	grid := c.Grid()
	assert.Equal(t, float32(1), targets.Mask.Data[(28*grid[1]+28)*NumScales+1])

	dets, err := c.Decode(oneHotOutput(c, targets), DefaultThreshold, 448, 448)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	d := dets[0]
	assert.Equal(t, 1, d.Class)
	assert.Equal(t, "dog", d.Label)
	assert.Equal(t, 1, d.Scale)
	assert.InDelta(t, 224, d.X, Stride)
	assert.InDelta(t, 224, d.Y, Stride)
	assert.InDelta(t, 100, d.Width, 1e-3)
	assert.InDelta(t, 100, d.Height, 1e-3)
	assert.Greater(t, d.Confidence, float32(0.99))
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, layout := range []Layout{RowMajor, ColMajor} {
		c := newCodec(t, 448, []string{"a", "b", "c"}, layout)
		for i := 0; i < 50; i++ {
			box := Box{
				X:     20 + 400*rng.Float32(),
				Y:     20 + 400*rng.Float32(),
				W:     5 + 400*rng.Float32(),
				H:     5 + 400*rng.Float32(),
				Class: rng.Intn(3),
			}
			targets, err := c.Encode([]Box{box})
			require.NoError(t, err)

			gt, err := c.DecodeTargets(targets, 448, 448)
			require.NoError(t, err)
			require.Len(t, gt, 1)

			// threshold 0 keeps every cell, the encoded one has the highest confidence
			dets, err := c.Decode(oneHotOutput(c, targets), 0, 448, 448)
			require.NoError(t, err)
			require.Len(t, dets, c.Grid()[0]*c.Grid()[1]*NumScales)
			best := dets[0]
			for _, d := range dets {
				if d.Confidence > best.Confidence {
					best = d
				}
			}
			for _, d := range []Detection{gt[0], best} {
				assert.Equal(t, box.Class, d.Class)
				// decoded boxes keep their size and are moved inside the image
				x0, y0 := min(max(box.X-box.W/2, 0), 448-box.W), min(max(box.Y-box.H/2, 0), 448-box.H)
				x1, y1 := x0+box.W, y0+box.H
				dx0, dy0, dx1, dy1 := d.Bounds()
				assert.InDelta(t, x0, dx0, 1e-2, "layout %s box %+v", layout, box)
				assert.InDelta(t, y0, dy0, 1e-2, "layout %s box %+v", layout, box)
				assert.InDelta(t, x1, dx1, 1e-2, "layout %s box %+v", layout, box)
				assert.InDelta(t, y1, dy1, 1e-2, "layout %s box %+v", layout, box)
			}
		}
	}
}

func TestScaleToOriginal(t *testing.T) {
	c := newCodec(t, 448, []string{"obj"}, RowMajor)
	targets, err := c.Encode([]Box{{X: 100, Y: 200, W: 50, H: 60}})
	require.NoError(t, err)
	dets, err := c.Decode(oneHotOutput(c, targets), 0.5, 896, 224)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 200, dets[0].X, 1e-3)
	assert.InDelta(t, 100, dets[0].Y, 1e-3)
	assert.InDelta(t, 100, dets[0].Width, 1e-3)
	assert.InDelta(t, 30, dets[0].Height, 1e-3)
	assert.Equal(t, "obj", dets[0].Label)
}

func TestClamp(t *testing.T) {
	c := newCodec(t, 448, []string{"obj"}, RowMajor)
	out := num.NewArray(append(c.Grid(), NumScales, c.Channels())...)
	num.Fill(out, -logit)
	// cell (28,28) at scale 3 with offset 0 so the centre is (224,224) and a size beyond the image
	grid := c.Grid()
	v := out.Data[((28*grid[1]+28)*NumScales+3)*c.Channels():]
	v[0], v[1], v[2], v[3], v[4] = 0, 0, 1.5, 1.5, logit
	dets, err := c.Decode(out, 0.5, 448, 448)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(448), dets[0].Width)
	assert.Equal(t, float32(448), dets[0].Height)

	dets, err = c.Decode(out, 0.5, 300, 200)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.InDelta(t, 300, dets[0].Width, 1e-3)
	assert.InDelta(t, 200, dets[0].Height, 1e-3)

	// an off centre box wider than the image keeps the full image width
	v[4] = -logit
	v = out.Data[((2*grid[1]+50)*NumScales+3)*c.Channels():]
	v[0], v[1], v[2], v[3], v[4] = 0.5, 0.5, 1.5, 1.5, logit
	dets, err = c.Decode(out, 0.5, 448, 448)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(448), dets[0].Width)
	assert.Equal(t, float32(448), dets[0].Height)
	x0, y0, x1, y1 := dets[0].Bounds()
	assert.Equal(t, []float32{0, 0, 448, 448}, []float32{x0, y0, x1, y1})

	// a smaller box over the edge is moved inside without changing its size
	v[4] = -logit
	v = out.Data[((55*grid[1]+1)*NumScales+0)*c.Channels():]
	v[0], v[1], v[2], v[3], v[4] = 0.5, 0.5, 1, 0.5, logit
	dets, err = c.Decode(out, 0.5, 448, 448)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(32), dets[0].Width)
	assert.Equal(t, float32(64), dets[0].Height)
	x0, y0, x1, y1 = dets[0].Bounds()
	assert.Equal(t, []float32{0, 384, 32, 448}, []float32{x0, y0, x1, y1})
}

func TestSingleClass(t *testing.T) {
	c := newCodec(t, 64, []string{"person"}, RowMajor)
	assert.Equal(t, 0, c.Classes)
	assert.Equal(t, 5, c.Channels())
	targets, err := c.Encode([]Box{{X: 10, Y: 30, W: 20, H: 20}})
	require.NoError(t, err)
	out := oneHotOutput(c, targets)
	dets, err := c.Decode(out, 0.5, 64, 64)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)

	prob, err := c.Probabilities(out)
	require.NoError(t, err)
	assert.Equal(t, targets.Mask.Dims(), prob.Dims())
	assert.InDelta(t, 1.0, num.Sum(prob), 1e-3)

	_, err = c.Encode([]Box{{X: 10, Y: 30, W: 20, H: 20, Class: 1}})
	assert.Error(t, err)
}

func TestCollision(t *testing.T) {
	c := newCodec(t, 448, []string{"a", "b"}, RowMajor)
	small := Box{X: 100, Y: 100, W: 90, H: 80, Class: 0}
	large := Box{X: 101, Y: 102, W: 100, H: 100, Class: 1}
	for _, boxes := range [][]Box{{small, large}, {large, small}} {
		targets, err := c.Encode(boxes)
		require.NoError(t, err)
		require.Equal(t, 1.0, num.Sum(targets.Mask))
		gt, err := c.DecodeTargets(targets, 448, 448)
		require.NoError(t, err)
		require.Len(t, gt, 1)
		assert.Equal(t, 0, gt[0].Class, "smaller box wins")
		assert.InDelta(t, 90, gt[0].Width, 1e-3)
	}
	// equal area: first wins
	other := Box{X: 102, Y: 101, W: 80, H: 90, Class: 1}
	targets, err := c.Encode([]Box{small, other})
	require.NoError(t, err)
	gt, err := c.DecodeTargets(targets, 448, 448)
	require.NoError(t, err)
	require.Len(t, gt, 1)
	assert.Equal(t, 0, gt[0].Class)
}

func TestInvalid(t *testing.T) {
	c := newCodec(t, 448, []string{"a", "b"}, RowMajor)
	for _, b := range []Box{
		{X: 10, Y: 10, W: 0, H: 10},
		{X: -1, Y: 10, W: 5, H: 10},
		{X: 10, Y: 448, W: 5, H: 10},
		{X: 10, Y: 10, W: 5, H: 10, Class: 2},
	} {
		_, err := c.Encode([]Box{b})
		assert.Error(t, err, "%+v", b)
	}

	_, err := New(100, 96, nil, DefaultScales(100, 96), RowMajor)
	var serr *num.ShapeError
	assert.True(t, errors.As(err, &serr))

	_, err = c.Decode(num.NewArray(10, 10, 4, 7), 0.5, 448, 448)
	assert.True(t, errors.As(err, &serr))
}

func TestTranspose(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rows, err := New(128, 64, []string{"a", "b"}, DefaultScales(128, 64), RowMajor)
	require.NoError(t, err)
	cols, err := New(128, 64, []string{"a", "b"}, DefaultScales(128, 64), ColMajor)
	require.NoError(t, err)

	boxes := []Box{{X: 100, Y: 20, W: 30, H: 12, Class: 1}, {X: 5, Y: 60, W: 100, H: 50}}
	rt, err := rows.Encode(boxes)
	require.NoError(t, err)
	ct, err := cols.Encode(boxes)
	require.NoError(t, err)

	assert.Equal(t, ct.Boxes.Data, Transpose(rt.Boxes).Data)
	assert.Equal(t, ct.Boxes.Dims(), Transpose(rt.Boxes).Dims())
	assert.Equal(t, ct.Mask.Data, Transpose(rt.Mask).Data)
	assert.Equal(t, rt.Boxes.Data, Transpose(Transpose(rt.Boxes)).Data)
	assert.Same(t, rt.Mask, Convert(rt.Mask, RowMajor, RowMajor))

	rowDets, err := rows.Decode(oneHotOutput(rows, rt), 0.5, 128, 64)
	require.NoError(t, err)
	colDets, err := cols.Decode(Convert(oneHotOutput(rows, rt), RowMajor, ColMajor), 0.5, 128, 64)
	require.NoError(t, err)
	assert.ElementsMatch(t, rowDets, colDets)

	batch := num.NewArray(3, 8, 16, 4, 7)
	for i := range batch.Data {
		batch.Data[i] = rng.Float32()
	}
	tb := TransposeBatch(batch)
	assert.Equal(t, []int{3, 16, 8, 4, 7}, tb.Dims())
	one := Transpose(batch.Slice(1, 2).Reshape(8, 16, 4, 7))
	assert.Equal(t, one.Data, tb.Slice(1, 2).Data)
}
