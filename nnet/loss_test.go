package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/jnb666/deepdetect/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLossType(t *testing.T) {
	typ, err := ParseLossType("sigmoid")
	require.NoError(t, err)
	assert.Equal(t, SigmoidLoss, typ)
	assert.Equal(t, "sigmoid", typ.String())
	_, err = ParseLossType("hinge")
	var cerr *num.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "LossType", cerr.Field)
}

func TestClassifyGradients(t *testing.T) {
	const eps = 1e-2
	for _, z := range []float32{-4, -1.5, -0.2, 0, 0.3, 2, 5} {
		for _, y := range []float32{0, 1} {
			fns := map[string]func(z float32) (float32, float32){
				"sigmoid": func(z float32) (float32, float32) { return Sigmoid(z, y) },
				"focal":   func(z float32) (float32, float32) { return Focal(z, y, 0.25, 2) },
			}
			for name, fn := range fns {
				loss, grad := fn(z)
				assert.GreaterOrEqual(t, loss, float32(0), "%s z=%g y=%g", name, z, y)
				lp, _ := fn(z + eps)
				lm, _ := fn(z - eps)
				numeric := (float64(lp) - float64(lm)) / (2 * eps)
				assert.InDelta(t, numeric, grad, 2e-3, "%s z=%g y=%g", name, z, y)
			}
		}
	}
}

func TestLossValues(t *testing.T) {
	loss, grad := Sigmoid(0, 1)
	assert.InDelta(t, math.Ln2, loss, 1e-6)
	assert.InDelta(t, -0.5, grad, 1e-6)

	// at p=0.5 focal loss is alpha * 0.5^gamma * log 2
	loss, _ = Focal(0, 1, 0.25, 2)
	assert.InDelta(t, 0.25*0.25*math.Ln2, loss, 1e-6)
	loss, _ = Focal(0, 0, 0.25, 2)
	assert.InDelta(t, 0.75*0.25*math.Ln2, loss, 1e-6)

	// confident correct predictions are down weighted relative to cross entropy
	fl, _ := Focal(3, 1, 0.25, 2)
	bce, _ := Sigmoid(3, 1)
	assert.Less(t, fl, bce/100)
}

func TestFocalExtreme(t *testing.T) {
	for _, z := range []float32{-1e4, 1e4} {
		for _, y := range []float32{0, 1} {
			loss, grad := Focal(z, y, 0.25, 2)
			assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0), "loss z=%g y=%g", z, y)
			assert.False(t, math.IsNaN(float64(grad)) || math.IsInf(float64(grad), 0), "grad z=%g y=%g", z, y)
		}
	}
	loss, _ := Focal(-1e4, 1, 0.25, 2)
	assert.InDelta(t, 0.25*1e4, loss, 1)
	loss, _ = Focal(1e4, 1, 0.25, 2)
	assert.InDelta(t, 0, loss, 1e-6)
}

func lossInputs(rng *rand.Rand, classes int) (targets, masks, out *num.Array) {
	nch := 5 + classes
	out = randArray(rng, 2, 3, 3, 4, nch)
	targets = num.NewArray(2, 3, 3, 4, nch)
	masks = num.NewArray(2, 3, 3, 4)
	for cell := range masks.Data {
		if rng.Intn(4) == 0 {
			masks.Data[cell] = 1
			t := targets.Data[cell*nch : (cell+1)*nch]
			for j := 0; j < 4; j++ {
				t[j] = rng.Float32()
			}
			t[4] = 1
			if classes > 0 {
				t[5+rng.Intn(classes)] = 1
			}
		}
	}
	return targets, masks, out
}

func TestEvalGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	for _, l := range []Loss{DefaultLoss(), {Type: SigmoidLoss}} {
		targets, masks, out := lossInputs(rng, 2)
		grad := num.NewArrayLike(out)
		_, _, err := l.Eval(targets, masks, out, grad, 2.5, 1)
		require.NoError(t, err)
		total := func() float64 {
			cls, reg, err := l.Eval(targets, masks, out, nil, 2.5, 1)
			require.NoError(t, err)
			return 2.5*cls + reg
		}
		const eps = 1e-3
		for i := range out.Data {
			save := out.Data[i]
			if i%7 < 4 && math.Abs(float64(save-targets.Data[i])) < 2*eps {
				continue
			}
			out.Data[i] = save + eps
			lp := total()
			out.Data[i] = save - eps
			lm := total()
			out.Data[i] = save
			assert.InDelta(t, (lp-lm)/(2*eps), grad.Data[i], 2e-2, "%s index %d", l.Type, i)
		}
	}
}

func TestEvalMaskedRegression(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	targets, masks, out := lossInputs(rng, 0)
	num.Fill(masks, 0)
	grad := num.NewArrayLike(out)
	num.Fill(grad, 99)
	cls, reg, err := DefaultLoss().Eval(targets, masks, out, grad, 2.5, 1)
	require.NoError(t, err)
	assert.Zero(t, reg)
	assert.Greater(t, cls, 0.0)
	for i := 0; i < grad.Size(); i += 5 {
		assert.Equal(t, []float32{0, 0, 0, 0}, grad.Data[i:i+4])
		assert.NotEqual(t, float32(99), grad.Data[i+4])
	}
}

func TestEvalLambda(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	targets, masks, out := lossInputs(rng, 3)
	g1, g2 := num.NewArrayLike(out), num.NewArrayLike(out)
	cls1, reg1, err := DefaultLoss().Eval(targets, masks, out, g1, 1, 1)
	require.NoError(t, err)
	cls2, reg2, err := DefaultLoss().Eval(targets, masks, out, g2, 3, 0.5)
	require.NoError(t, err)
	assert.Equal(t, cls1, cls2)
	assert.Equal(t, reg1, reg2)
	for i := range g1.Data {
		if i%8 < 4 {
			assert.InDelta(t, 0.5*g1.Data[i], g2.Data[i], 1e-6)
		} else {
			assert.InDelta(t, 3*g1.Data[i], g2.Data[i], 1e-6)
		}
	}
}

func TestEvalShapeErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	targets, masks, out := lossInputs(rng, 0)
	l := DefaultLoss()
	tests := []struct {
		targets, masks, out, grad *num.Array
	}{
		{targets, masks, num.NewArray(2, 3, 3, 4), nil},
		{targets, masks, num.NewArray(2, 3, 3, 3, 5), nil},
		{num.NewArray(2, 3, 3, 4, 6), masks, out, nil},
		{targets, num.NewArray(2, 3, 3, 3), out, nil},
		{targets, masks, out, num.NewArray(1, 3, 3, 4, 5)},
	}
	for i, test := range tests {
		_, _, err := l.Eval(test.targets, test.masks, test.out, test.grad, 1, 1)
		var serr *num.ShapeError
		assert.ErrorAs(t, err, &serr, "case %d", i)
	}
}
