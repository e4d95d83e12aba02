package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	var a Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		a.Add(x)
	}
	assert.Equal(t, 8.0, a.Count)
	assert.InDelta(t, 5.0, a.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7), a.StdDev, 1e-12)
	assert.Equal(t, "5.000&PlusMinus;2.138", string(a.HTML()))

	var b Average
	b.Add(12)
	b.Add(12.04)
	assert.Equal(t, "12.0", string(b.HTML()))
	b.Add(20)
	assert.Equal(t, "14.7&PlusMinus;4.6", string(b.HTML()))
}

func TestEMA(t *testing.T) {
	e := EMA{Span: 3}
	assert.Equal(t, 10.0, e.Add(10))
	assert.InDelta(t, 15.0, e.Add(20), 1e-12)
	assert.InDelta(t, 15.0, e.Value, 1e-12)

	// a zero first sample still seeds the average
	z := EMA{Span: 3}
	z.Add(0)
	assert.InDelta(t, 5.0, z.Add(10), 1e-12)
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	_, ok := h.Last()
	require.False(t, ok)
	h.Add(Step{Step: 1, Epoch: 1, Cls: 1, Reg: 2, Loss: 10})
	s := h.Add(Step{Step: 2, Epoch: 1, Cls: 3, Reg: 4, Loss: 20})
	assert.InDelta(t, 15.0, s.Smooth, 1e-12)
	epoch, cls, reg := h.Epoch()
	assert.Equal(t, 1, epoch)
	assert.InDelta(t, 2.0, cls.Mean, 1e-12)
	assert.InDelta(t, 3.0, reg.Mean, 1e-12)

	h.Add(Step{Step: 3, Epoch: 2, Cls: 5, Reg: 6, Loss: 20})
	epoch, cls, _ = h.Epoch()
	assert.Equal(t, 2, epoch)
	assert.Equal(t, 1.0, cls.Count)
	steps := h.Steps()
	require.Len(t, steps, 3)
	steps[0].Loss = -1
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 3, last.Step)
	assert.Equal(t, 10.0, h.Steps()[0].Loss)
}
