package nnet

import (
	"context"
	"math/rand"
	"time"

	"github.com/jnb666/deepdetect/num"
	"github.com/jnb666/deepdetect/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HyperParams are the per step training settings.
type HyperParams struct {
	LearningRate float32
	GradClip     float32
	ClsLambda    float32
	RegLambda    float32
	Loss         Loss
}

// DefaultHyperParams returns learning rate 1e-3, clip 1, cls weight 2.5, reg weight 1 and focal loss.
func DefaultHyperParams() HyperParams {
	return HyperParams{LearningRate: 1e-3, GradClip: 1, ClsLambda: 2.5, RegLambda: 1, Loss: DefaultLoss()}
}

// AccumulateGradients runs forward and backward passes over contiguous sub batches of at most subBatch
// images, adding the raw gradient of clsLambda*cls + regLambda*reg to the parameter gradients.
// It does not clear the gradients first. Returns the summed classification and regression loss.
func AccumulateGradients(net *Network, subBatch int, images, targets, masks *num.Array, hp HyperParams) (cls, reg float64, err error) {
	if subBatch < 1 {
		return 0, 0, num.NewConfigError("SubBatch", "must be at least 1, got %d", subBatch)
	}
	dims := images.Dims()
	if len(dims) == 4 && dims[0] == 0 {
		return 0, 0, nil
	}
	if err := net.CheckInput(dims); err != nil {
		return 0, 0, err
	}
	n := dims[0]
	if targets.Dim(0) != n || masks.Dim(0) != n {
		return 0, 0, num.NewShapeError("AccumulateGradients", targets.Dims(), "batch size must match %d images", n)
	}
	for start := 0; start < n; start += subBatch {
		end := min(start+subBatch, n)
		out, err := net.Fprop(images.Slice(start, end), true)
		if err != nil {
			return cls, reg, err
		}
		grad := num.NewArrayLike(out)
		c, r, err := hp.Loss.Eval(targets.Slice(start, end), masks.Slice(start, end), out, grad, hp.ClsLambda, hp.RegLambda)
		if err != nil {
			return cls, reg, err
		}
		net.Bprop(grad)
		cls += c
		reg += r
	}
	return cls, reg, nil
}

// TrainStep performs one optimizer update from a full batch using gradient accumulation. The summed
// gradients and losses are divided by the batch size, gradients are clipped by global norm and a single
// optimizer step is applied. An empty batch returns zero losses and leaves the weights and the
// optimizer state unchanged.
func TrainStep(net *Network, subBatch int, images, targets, masks *num.Array, opt Optimizer, hp HyperParams) (avgCls, avgReg float64, err error) {
	avgCls, avgReg, _, err = trainStep(net, subBatch, images, targets, masks, opt, hp)
	return avgCls, avgReg, err
}

func trainStep(net *Network, subBatch int, images, targets, masks *num.Array, opt Optimizer, hp HyperParams) (avgCls, avgReg, norm float64, err error) {
	net.ZeroGrads()
	cls, reg, err := AccumulateGradients(net, subBatch, images, targets, masks, hp)
	if err != nil {
		return 0, 0, 0, err
	}
	batch := float64(images.Dim(0))
	if batch == 0 {
		return 0, 0, 0, nil
	}
	params := net.Params()
	scale := float32(num.SafeDiv(1, batch))
	for _, p := range params {
		num.Scale(scale, p.Grad)
	}
	norm = ClipByGlobalNorm(params, hp.GradClip)
	opt.Step(params, hp.LearningRate)
	return num.SafeDiv(cls, batch), num.SafeDiv(reg, batch), norm, nil
}

// Observer is notified after each training step.
type Observer interface {
	Observe(s stats.Step)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(s stats.Step)

func (f ObserverFunc) Observe(s stats.Step) { f(s) }

// Trainer runs training epochs over a dataset.
type Trainer struct {
	Net       *Network
	Data      *Dataset
	Opt       Optimizer
	HP        HyperParams
	BatchSize int
	SubBatch  int
	Epochs    int
	MaxSteps  int
	DecayRate float32 // learning rate multiplier applied after each epoch
	LogEvery  int
	Shuffle   bool
	History   *stats.History
	Observers []Observer
	rng       *rand.Rand
	log       *zap.Logger
}

// NewTrainer creates a trainer from the config.
func NewTrainer(cfg Config, net *Network, data *Dataset, rng *rand.Rand, log *zap.Logger) (*Trainer, error) {
	opt, err := NewOptimizer(cfg.Optimizer, float32(cfg.Momentum))
	if err != nil {
		return nil, err
	}
	hp, err := cfg.HyperParams()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trainer{
		Net: net, Data: data, Opt: opt, HP: hp,
		BatchSize: cfg.BatchSize, SubBatch: cfg.SubBatch, Epochs: cfg.Epochs, MaxSteps: cfg.MaxSteps,
		DecayRate: float32(cfg.DecayRate), LogEvery: cfg.LogEvery, Shuffle: cfg.Shuffle,
		History: stats.NewHistory(cfg.SmoothSteps), rng: rng, log: log,
	}, nil
}

// Run trains until the configured number of epochs or steps is reached or the context is cancelled.
func (t *Trainer) Run(ctx context.Context) error {
	start := time.Now()
	step := 0
	hp := t.HP
	for epoch := 1; epoch <= t.Epochs; epoch++ {
		if t.Shuffle {
			t.Data.Shuffle(t.rng)
		}
		for first := 0; first < t.Data.Len(); first += t.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := t.Data.Batch(ctx, first, min(first+t.BatchSize, t.Data.Len()))
			if err != nil {
				return errors.Wrapf(err, "epoch %d", epoch)
			}
			cls, reg, norm, err := trainStep(t.Net, t.SubBatch, batch.Images, batch.Targets, batch.Masks, t.Opt, hp)
			if err != nil {
				return errors.Wrapf(err, "epoch %d step %d", epoch, step+1)
			}
			step++
			s := t.History.Add(stats.Step{
				Step: step, Epoch: epoch, Cls: cls, Reg: reg,
				Loss:     float64(hp.ClsLambda)*cls + float64(hp.RegLambda)*reg,
				GradNorm: norm, LearningRate: float64(hp.LearningRate), Elapsed: time.Since(start),
			})
			if t.LogEvery > 0 && step%t.LogEvery == 0 {
				t.log.Info("train step", zap.Int("step", s.Step), zap.Int("epoch", s.Epoch),
					zap.Float64("cls", s.Cls), zap.Float64("reg", s.Reg), zap.Float64("loss_ema", s.Smooth),
					zap.Float64("grad_norm", s.GradNorm), zap.Duration("elapsed", s.Elapsed.Round(time.Millisecond)))
			}
			for _, o := range t.Observers {
				o.Observe(s)
			}
			if t.MaxSteps > 0 && step >= t.MaxSteps {
				return nil
			}
		}
		if t.DecayRate > 0 {
			hp.LearningRate *= t.DecayRate
		}
	}
	t.log.Info("training complete", zap.Int("steps", step), zap.Duration("run_time", time.Since(start).Round(10*time.Millisecond)))
	return nil
}
