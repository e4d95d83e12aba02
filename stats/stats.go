// Package stats keeps running statistics of the training losses.
package stats

import (
	"fmt"
	"html/template"
	"math"
	"strconv"
	"sync"
	"time"
)

// EMA is an exponential moving average over a span of N samples, the weight of each new sample
// is 2/(N+1). The first sample seeds the average.
type EMA struct {
	Span  float64
	Value float64
	seen  bool
}

// Add folds x into the average and returns the new value.
func (e *EMA) Add(x float64) float64 {
	if !e.seen {
		e.Value, e.seen = x, true
		return x
	}
	alpha := 2 / (e.Span + 1)
	e.Value += alpha * (x - e.Value)
	return e.Value
}

// Average is a running mean and sample standard deviation using Welford's update.
type Average struct {
	Count  float64
	Mean   float64
	StdDev float64
	sumSq  float64 // sum of squared deviations from the mean
}

func (a *Average) Add(x float64) {
	a.Count++
	delta := x - a.Mean
	a.Mean += delta / a.Count
	a.sumSq += delta * (x - a.Mean)
	if a.Count > 1 {
		a.StdDev = math.Sqrt(a.sumSq / (a.Count - 1))
	}
}

// HTML formats the mean with the spread as mean±sd, the spread is left off when it would print as zero.
func (a *Average) HTML() template.HTML {
	digits, small := 3, 0.01
	if a.Mean > 10 {
		digits, small = 1, 0.1
	}
	text := strconv.FormatFloat(a.Mean, 'f', digits, 64)
	if a.StdDev >= small {
		text += "&PlusMinus;" + strconv.FormatFloat(a.StdDev, 'f', digits, 64)
	}
	return template.HTML(text)
}

// Step is the record of one optimizer update.
type Step struct {
	Step         int           `json:"step"`
	Epoch        int           `json:"epoch"`
	Cls          float64       `json:"cls"`
	Reg          float64       `json:"reg"`
	Loss         float64       `json:"loss"`
	Smooth       float64       `json:"smooth"`
	GradNorm     float64       `json:"grad_norm"`
	LearningRate float64       `json:"learning_rate"`
	Elapsed      time.Duration `json:"elapsed"`
}

func (s Step) String() string {
	return fmt.Sprintf("step %4d epoch %2d: cls %.4f reg %.4f loss %.4f (ema %.4f) norm %.3f",
		s.Step, s.Epoch, s.Cls, s.Reg, s.Loss, s.Smooth, s.GradNorm)
}

// History accumulates the training steps. It is safe for concurrent use.
type History struct {
	steps []Step
	ema   EMA
	cls   Average
	reg   Average
	epoch int
	sync.Mutex
}

// NewHistory returns a history which smooths the loss over span steps, default 100.
func NewHistory(span int) *History {
	if span <= 0 {
		span = 100
	}
	return &History{ema: EMA{Span: float64(span)}}
}

// Add appends a step, fills in the smoothed loss and returns the updated record.
func (h *History) Add(s Step) Step {
	h.Lock()
	defer h.Unlock()
	s.Smooth = h.ema.Add(s.Loss)
	if s.Epoch != h.epoch {
		h.cls, h.reg, h.epoch = Average{}, Average{}, s.Epoch
	}
	h.cls.Add(s.Cls)
	h.reg.Add(s.Reg)
	h.steps = append(h.steps, s)
	return s
}

// Steps returns a copy of the recorded steps.
func (h *History) Steps() []Step {
	h.Lock()
	defer h.Unlock()
	return append([]Step{}, h.steps...)
}

// Last returns the most recent step, ok is false if there are none.
func (h *History) Last() (s Step, ok bool) {
	h.Lock()
	defer h.Unlock()
	if len(h.steps) == 0 {
		return s, false
	}
	return h.steps[len(h.steps)-1], true
}

// Epoch returns the running classification and regression loss averages for the current epoch.
func (h *History) Epoch() (epoch int, cls, reg Average) {
	h.Lock()
	defer h.Unlock()
	return h.epoch, h.cls, h.reg
}
