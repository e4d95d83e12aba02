package nnet

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/jnb666/deepdetect/num"
)

// Optimizer updates parameters from their gradients
type Optimizer interface {
	Step(params []*Param, learningRate float32)
	String() string
}

// NewOptimizer returns an optimizer by name: "adam" or "sgd" with the given momentum.
func NewOptimizer(name string, momentum float32) (Optimizer, error) {
	switch name {
	case "adam", "":
		return NewAdam(), nil
	case "sgd":
		return &SGD{Momentum: momentum, velocity: make(map[*Param]*num.Array)}, nil
	default:
		return nil, num.NewConfigError("Optimizer", "%q is not adam or sgd", name)
	}
}

// Adam optimizer with bias corrected moment estimates.
type Adam struct {
	Beta1, Beta2, Epsilon float32
	steps                 int
	m, v                  map[*Param]*num.Array
}

func NewAdam() *Adam {
	return &Adam{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7, m: make(map[*Param]*num.Array), v: make(map[*Param]*num.Array)}
}

func (o *Adam) String() string { return "adam" }

func (o *Adam) Step(params []*Param, learningRate float32) {
	o.steps++
	t := float32(o.steps)
	lr := learningRate * math32.Sqrt(1-math32.Pow(o.Beta2, t)) / (1 - math32.Pow(o.Beta1, t))
	for _, p := range params {
		m, ok := o.m[p]
		if !ok {
			m, o.v[p] = num.NewArrayLike(p.Value), num.NewArrayLike(p.Value)
			o.m[p] = m
		}
		v := o.v[p]
		for i, g := range p.Grad.Data {
			m.Data[i] = o.Beta1*m.Data[i] + (1-o.Beta1)*g
			v.Data[i] = o.Beta2*v.Data[i] + (1-o.Beta2)*g*g
			p.Value.Data[i] -= lr * m.Data[i] / (math32.Sqrt(v.Data[i]) + o.Epsilon)
		}
	}
}

// SGD is stochastic gradient descent with momentum.
type SGD struct {
	Momentum float32
	velocity map[*Param]*num.Array
}

func (o *SGD) String() string { return "sgd" }

func (o *SGD) Step(params []*Param, learningRate float32) {
	for _, p := range params {
		v, ok := o.velocity[p]
		if !ok {
			v = num.NewArrayLike(p.Value)
			o.velocity[p] = v
		}
		for i, g := range p.Grad.Data {
			v.Data[i] = o.Momentum*v.Data[i] - learningRate*g
			p.Value.Data[i] += v.Data[i]
		}
	}
}

// ClipByGlobalNorm scales all gradients by clip/norm if their joint L2 norm exceeds clip.
// Returns the norm before clipping.
func ClipByGlobalNorm(params []*Param, clip float32) float64 {
	grads := make([]*num.Array, len(params))
	for i, p := range params {
		grads[i] = p.Grad
	}
	norm := math.Sqrt(num.SumSquares(grads...))
	if clip > 0 && norm > float64(clip) {
		scale := float32(float64(clip) / norm)
		for _, g := range grads {
			num.Scale(scale, g)
		}
	}
	return norm
}
