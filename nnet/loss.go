package nnet

import (
	"github.com/chewxy/math32"
	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/num"
)

// LossType selects the classification loss.
type LossType int

const (
	FocalLoss LossType = iota
	SigmoidLoss
)

func (t LossType) String() string {
	if t == SigmoidLoss {
		return "sigmoid"
	}
	return "focal"
}

// ParseLossType converts a config string to a LossType.
func ParseLossType(s string) (LossType, error) {
	switch s {
	case "focal", "":
		return FocalLoss, nil
	case "sigmoid":
		return SigmoidLoss, nil
	default:
		return FocalLoss, num.NewConfigError("LossType", "%q is not focal or sigmoid", s)
	}
}

// Loss computes the classification and box regression loss of a batch of model outputs.
type Loss struct {
	Type  LossType
	Alpha float32
	Gamma float32
}

// DefaultLoss is focal loss with alpha 0.25 and gamma 2.
func DefaultLoss() Loss {
	return Loss{Type: FocalLoss, Alpha: 0.25, Gamma: 2}
}

// softplus(-|z|) = log(1+exp(-|z|)) which never overflows
func logTerm(z float32) float32 {
	return math32.Log1p(math32.Exp(-math32.Abs(z)))
}

// Sigmoid returns the binary cross entropy of logit z with label y and its derivative with respect to z.
func Sigmoid(z, y float32) (loss, grad float32) {
	loss = math32.Max(z, 0) - z*y + logTerm(z)
	return loss, num.Sigm(z) - y
}

// Focal returns the focal loss of logit z with label y and its derivative with respect to z.
// The log probabilities are evaluated as log(1+exp(-|z|)) - min(z,0) and log(1+exp(-|z|)) + max(z,0)
// so the result stays finite for any z.
func Focal(z, y, alpha, gamma float32) (loss, grad float32) {
	sp := logTerm(z)
	p, q := num.Sigm(z), num.Sigm(-z)
	nlogP := sp - math32.Min(z, 0)
	nlogQ := sp + math32.Max(z, 0)
	qg, pg := math32.Pow(q, gamma), math32.Pow(p, gamma)
	pos := alpha * qg * nlogP
	neg := (1 - alpha) * pg * nlogQ
	dpos := -alpha * qg * (gamma*p*nlogP + q)
	dneg := (1 - alpha) * pg * (gamma*q*nlogQ + p)
	return y*pos + (1-y)*neg, y*dpos + (1-y)*dneg
}

func (l Loss) classify(z, y float32) (float32, float32) {
	if l.Type == SigmoidLoss {
		return Sigmoid(z, y)
	}
	return Focal(z, y, l.Alpha, l.Gamma)
}

// Eval returns the summed classification and regression loss for a batch.
//
// targets and out are [B, A1, A2, 4, 5+C] and masks is [B, A1, A2, 4]. Classification loss is summed
// over channels 4.. of every cell, regression loss is the L1 distance of channels 0-3 at cells where
// the mask is set. If grad is not nil it is set to the derivative of clsLambda*cls + regLambda*reg
// with respect to out.
func (l Loss) Eval(targets, masks, out, grad *num.Array, clsLambda, regLambda float32) (cls, reg float64, err error) {
	dims := out.Dims()
	if len(dims) != 5 || dims[3] != codec.NumScales || dims[4] <= codec.RegChannels {
		return 0, 0, num.NewShapeError("Loss.Eval", dims, "expecting [B A1 A2 %d K] output", codec.NumScales)
	}
	if !num.SameShape(targets.Dims(), dims) {
		return 0, 0, num.NewShapeError("Loss.Eval", targets.Dims(), "targets must match output shape %v", dims)
	}
	if !num.SameShape(masks.Dims(), dims[:4]) {
		return 0, 0, num.NewShapeError("Loss.Eval", masks.Dims(), "mask must have shape %v", dims[:4])
	}
	if grad != nil && !num.SameShape(grad.Dims(), dims) {
		return 0, 0, num.NewShapeError("Loss.Eval", grad.Dims(), "gradient must match output shape %v", dims)
	}
	nch := dims[4]
	for cell, m := range masks.Data {
		o := out.Data[cell*nch : (cell+1)*nch]
		t := targets.Data[cell*nch : (cell+1)*nch]
		var g []float32
		if grad != nil {
			g = grad.Data[cell*nch : (cell+1)*nch]
		}
		for j := codec.RegChannels; j < nch; j++ {
			loss, d := l.classify(o[j], t[j])
			cls += float64(loss)
			if g != nil {
				g[j] = clsLambda * d
			}
		}
		for j := 0; j < codec.RegChannels; j++ {
			if g != nil {
				g[j] = 0
			}
			if m == 0 {
				continue
			}
			diff := o[j] - t[j]
			reg += float64(math32.Abs(diff) * m)
			if g != nil && diff != 0 {
				g[j] = regLambda * m * math32.Copysign(1, diff)
			}
		}
	}
	return cls, reg, nil
}
