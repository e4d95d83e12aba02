package nnet

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/logger"
	"github.com/jnb666/deepdetect/num"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Training configuration settings
type Config struct {
	Annotations  string    `yaml:"annotations"`
	ImageDir     string    `yaml:"image_dir"`
	InputSize    int       `yaml:"input_size"`
	Filters      int       `yaml:"filters"`
	Features     int       `yaml:"features"`
	Repeats      int       `yaml:"repeats"`
	Separable    bool      `yaml:"separable"`
	BatchNorm    bool      `yaml:"batch_norm"`
	NormOrder    string    `yaml:"norm_order"`
	PriorProb    float64   `yaml:"prior_prob"`
	Scales       []float32 `yaml:"scales"`
	Layout       string    `yaml:"layout"`
	LossType     string    `yaml:"loss"`
	FocalAlpha   float64   `yaml:"focal_alpha"`
	FocalGamma   float64   `yaml:"focal_gamma"`
	ClsLambda    float64   `yaml:"cls_lambda"`
	RegLambda    float64   `yaml:"reg_lambda"`
	Optimizer    string    `yaml:"optimizer"`
	LearningRate float64   `yaml:"learning_rate"`
	Momentum     float64   `yaml:"momentum"`
	DecayRate    float64   `yaml:"decay_rate"`
	GradClip     float64   `yaml:"grad_clip"`
	BatchSize    int       `yaml:"batch_size"`
	SubBatch     int       `yaml:"sub_batch"`
	Epochs       int       `yaml:"epochs"`
	MaxSteps     int       `yaml:"max_steps"`
	Shuffle      bool      `yaml:"shuffle"`
	LogEvery     int       `yaml:"log_every"`
	SmoothSteps  int       `yaml:"smooth_steps"`
	RenderEvery  int       `yaml:"render_every"`
	Threshold    float64   `yaml:"threshold"`
	Workers      int       `yaml:"workers"`
	RandSeed     int64     `yaml:"rand_seed"`
	LogLevel     string    `yaml:"log_level"`
	LogFormat    string    `yaml:"log_format"`
	LogFile      string    `yaml:"log_file"`
	OutputDir    string    `yaml:"output_dir"`
	WebAddr      string    `yaml:"web_addr"`
	WebUser      string    `yaml:"web_user"`
	WebPassword  string    `yaml:"web_password_hash"`
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() Config {
	return Config{
		InputSize:    448,
		Filters:      16,
		Features:     256,
		Repeats:      2,
		Separable:    true,
		BatchNorm:    true,
		NormOrder:    "norm_first",
		PriorProb:    0.01,
		Layout:       "row_major",
		LossType:     "focal",
		FocalAlpha:   0.25,
		FocalGamma:   2,
		ClsLambda:    2.5,
		RegLambda:    1,
		Optimizer:    "adam",
		LearningRate: 1e-3,
		Momentum:     0.9,
		GradClip:     1,
		BatchSize:    16,
		SubBatch:     4,
		Epochs:       10,
		Shuffle:      true,
		LogEvery:     10,
		SmoothSteps:  100,
		Threshold:    codec.DefaultThreshold,
		Workers:      4,
		RandSeed:     42,
		LogLevel:     "info",
		LogFormat:    "console",
		OutputDir:    ".",
	}
}

// LoadConfig reads a YAML config file. Fields not set in the file keep their default values.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "parse config %s", path)
	}
	return c, c.Validate()
}

// Validate checks the settings, returning a *num.ConfigError for the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.InputSize < TotalStride || c.InputSize%TotalStride != 0:
		return num.NewConfigError("InputSize", "must be a positive multiple of %d, got %d", TotalStride, c.InputSize)
	case c.BatchSize < 1:
		return num.NewConfigError("BatchSize", "must be at least 1, got %d", c.BatchSize)
	case c.SubBatch < 1:
		return num.NewConfigError("SubBatch", "must be at least 1, got %d", c.SubBatch)
	case !(c.Threshold >= 0 && c.Threshold <= 1):
		return num.NewConfigError("Threshold", "must be in range [0,1], got %g", c.Threshold)
	case c.LearningRate <= 0:
		return num.NewConfigError("LearningRate", "must be positive, got %g", c.LearningRate)
	}
	if c.Scales != nil {
		if _, err := codec.NewScales(c.Scales); err != nil {
			return err
		}
	}
	if _, err := ParseLayout(c.Layout); err != nil {
		return err
	}
	if _, err := NewOptimizer(c.Optimizer, float32(c.Momentum)); err != nil {
		return err
	}
	if _, err := c.HyperParams(); err != nil {
		return err
	}
	_, err := c.NetOptions(0)
	return err
}

// NetOptions returns the network architecture for a model with the given number of labels.
func (c Config) NetOptions(labels int) (Options, error) {
	norm, err := ParseNormOrder(c.NormOrder)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Filters:   c.Filters,
		Features:  c.Features,
		Repeats:   c.Repeats,
		PriorProb: float32(c.PriorProb),
		Block:     BlockConfig{KernelSize: 3, Separable: c.Separable, BatchNorm: c.BatchNorm, Norm: norm},
	}
	if labels > 1 {
		opts.Classes = labels
	}
	return opts, opts.Validate()
}

// HyperParams returns the loss and optimizer step settings.
func (c Config) HyperParams() (HyperParams, error) {
	typ, err := ParseLossType(c.LossType)
	if err != nil {
		return HyperParams{}, err
	}
	return HyperParams{
		LearningRate: float32(c.LearningRate),
		GradClip:     float32(c.GradClip),
		ClsLambda:    float32(c.ClsLambda),
		RegLambda:    float32(c.RegLambda),
		Loss:         Loss{Type: typ, Alpha: float32(c.FocalAlpha), Gamma: float32(c.FocalGamma)},
	}, nil
}

// Codec returns the box codec for the configured input size and the given class labels.
func (c Config) Codec(labels []string) (*codec.Codec, error) {
	layout, err := ParseLayout(c.Layout)
	if err != nil {
		return nil, err
	}
	scales := codec.DefaultScales(c.InputSize, c.InputSize)
	if c.Scales != nil {
		if scales, err = codec.NewScales(c.Scales); err != nil {
			return nil, err
		}
	}
	return codec.New(c.InputSize, c.InputSize, labels, scales, layout)
}

// Logging returns the logger settings. An empty LogFile logs to stdout.
func (c Config) Logging() logger.Config {
	return logger.Config{Level: c.LogLevel, Format: c.LogFormat, Output: c.LogFile}
}

// ParseLayout converts a config string to a codec.Layout.
func ParseLayout(s string) (codec.Layout, error) {
	switch s {
	case "row_major", "":
		return codec.RowMajor, nil
	case "col_major":
		return codec.ColMajor, nil
	default:
		return codec.RowMajor, num.NewConfigError("Layout", "%q is not row_major or col_major", s)
	}
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField())
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) String() string {
	str := []string{"== Config =="}
	for _, key := range c.Fields() {
		val := c.Get(key)
		if key == "WebPassword" && c.WebPassword != "" {
			val = "******"
		}
		str = append(str, fmt.Sprintf("%-14s: %v", key, val))
	}
	return strings.Join(str, "\n")
}

// SetString updates the named field from its string representation. Lists are comma separated.
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, num.NewConfigError(key, "unknown setting")
	}
	var err error
	switch f.Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Slice:
		var list []float32
		for _, item := range strings.Split(val, ",") {
			var x float64
			if x, err = strconv.ParseFloat(strings.TrimSpace(item), 32); err != nil {
				break
			}
			list = append(list, float32(x))
		}
		if err == nil {
			f.Set(reflect.ValueOf(list))
		}
	default:
		return c, num.NewConfigError(key, "invalid type for SetString: %v", f.Kind())
	}
	if err != nil {
		return c, num.NewConfigError(key, "%v", err)
	}
	return c, nil
}

// Apply updates the config from a list of Key=value settings.
func (c Config) Apply(settings []string) (Config, error) {
	for _, s := range settings {
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			return c, num.NewConfigError(s, "setting should be of the form Key=value")
		}
		var err error
		if c, err = c.SetString(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return c, err
		}
	}
	return c, nil
}
