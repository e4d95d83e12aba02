package nnet

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/jnb666/deepdetect/codec"
	"github.com/jnb666/deepdetect/img"
	"github.com/jnb666/deepdetect/num"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// BoxAnnotation is a labelled ground truth box in original image pixels.
type BoxAnnotation struct {
	XMin  float32 `yaml:"xmin"`
	YMin  float32 `yaml:"ymin"`
	XMax  float32 `yaml:"xmax"`
	YMax  float32 `yaml:"ymax"`
	Label string  `yaml:"label"`
}

// ImageAnnotation lists the boxes for one image file.
type ImageAnnotation struct {
	File  string          `yaml:"file"`
	Boxes []BoxAnnotation `yaml:"boxes"`
}

// Annotations is the contents of an annotation file.
type Annotations struct {
	Labels []string          `yaml:"labels"`
	Images []ImageAnnotation `yaml:"images"`
}

// LoadAnnotations reads a YAML annotation file.
func LoadAnnotations(path string) (*Annotations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load annotations")
	}
	a := new(Annotations)
	if err := yaml.Unmarshal(data, a); err != nil {
		return nil, errors.Wrapf(err, "parse annotations %s", path)
	}
	if len(a.Labels) == 0 {
		return nil, errors.Errorf("annotations %s: no labels defined", path)
	}
	return a, nil
}

// Batch is a set of images with encoded targets ready for training. Targets and masks
// are always in row major layout to match the network output.
type Batch struct {
	Images  *num.Array // [B, H, W, 3]
	Targets *num.Array // [B, A1, A2, 4, 5+C]
	Masks   *num.Array // [B, A1, A2, 4]
	Sources []*img.Image
}

// Dataset type encapsulates a set of annotated training images.
type Dataset struct {
	Codec   *codec.Codec
	Dir     string
	Items   []ImageAnnotation
	Workers int
	classes map[string]int
	log     *zap.Logger
}

// NewDataset checks the annotations against the codec labels. Image files are relative to dir.
func NewDataset(ann *Annotations, dir string, c *codec.Codec, workers int, log *zap.Logger) (*Dataset, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dataset{Codec: c, Dir: dir, Items: append([]ImageAnnotation{}, ann.Images...), Workers: max(workers, 1), log: log,
		classes: make(map[string]int)}
	for i, label := range c.Labels {
		d.classes[label] = i
	}
	for _, item := range d.Items {
		for _, b := range item.Boxes {
			if _, ok := d.classes[b.Label]; !ok {
				return nil, errors.Errorf("%s: unknown label %q", item.File, b.Label)
			}
		}
	}
	log.Info("loaded dataset", zap.Int("images", len(d.Items)), zap.Strings("labels", c.Labels), zap.String("dir", dir))
	return d, nil
}

// LoadDataset reads the annotation file and creates the codec and dataset from the config.
func LoadDataset(cfg Config, log *zap.Logger) (*Dataset, error) {
	ann, err := LoadAnnotations(cfg.Annotations)
	if err != nil {
		return nil, err
	}
	c, err := cfg.Codec(ann.Labels)
	if err != nil {
		return nil, err
	}
	dir := cfg.ImageDir
	if dir == "" {
		dir = filepath.Dir(cfg.Annotations)
	}
	return NewDataset(ann, dir, c, cfg.Workers, log)
}

func (d *Dataset) Len() int { return len(d.Items) }

// Path returns the image file name for item i.
func (d *Dataset) Path(i int) string {
	if filepath.IsAbs(d.Items[i].File) {
		return d.Items[i].File
	}
	return filepath.Join(d.Dir, d.Items[i].File)
}

// Shuffle randomises the order of the items.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.Items), func(i, j int) { d.Items[i], d.Items[j] = d.Items[j], d.Items[i] })
}

// Boxes converts the annotations of item i to the model input scale for an image of the given size.
func (d *Dataset) Boxes(i, width, height int) []codec.Box {
	rx := float32(d.Codec.Width) / float32(width)
	ry := float32(d.Codec.Height) / float32(height)
	boxes := make([]codec.Box, len(d.Items[i].Boxes))
	for j, b := range d.Items[i].Boxes {
		class := d.classes[b.Label]
		if d.Codec.Classes == 0 {
			class = 0
		}
		boxes[j] = codec.Box{
			X:     rx * (b.XMin + b.XMax) / 2,
			Y:     ry * (b.YMin + b.YMax) / 2,
			W:     rx * (b.XMax - b.XMin),
			H:     ry * (b.YMax - b.YMin),
			Class: class,
		}
	}
	return boxes
}

// Load reads item i and encodes its boxes in the codec layout.
func (d *Dataset) Load(i int) (*img.Image, *codec.Targets, error) {
	m, err := img.Load(d.Path(i), d.Codec.Width, d.Codec.Height)
	if err != nil {
		return nil, nil, err
	}
	t, err := d.Codec.Encode(d.Boxes(i, m.Width, m.Height))
	if err != nil {
		return nil, nil, errors.Wrap(err, d.Items[i].File)
	}
	return m, t, nil
}

// Batch loads items start to end-1 in parallel using up to Workers goroutines.
func (d *Dataset) Batch(ctx context.Context, start, end int) (*Batch, error) {
	if start < 0 || end > d.Len() || start >= end {
		return nil, errors.Errorf("invalid batch range %d:%d of %d", start, end, d.Len())
	}
	n := end - start
	grid := []int{d.Codec.Height / codec.Stride, d.Codec.Width / codec.Stride}
	b := &Batch{
		Images:  num.NewArray(n, d.Codec.Height, d.Codec.Width, 3),
		Targets: num.NewArray(n, grid[0], grid[1], codec.NumScales, d.Codec.Channels()),
		Masks:   num.NewArray(n, grid[0], grid[1], codec.NumScales),
		Sources: make([]*img.Image, n),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Workers)
	for k := 0; k < n; k++ {
		k := k
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, t, err := d.Load(start + k)
			if err != nil {
				return err
			}
			num.Copy(b.Images.Slice(k, k+1), m.Data)
			copy(b.Targets.Slice(k, k+1).Data, codec.Convert(t.Boxes, d.Codec.Layout, codec.RowMajor).Data)
			copy(b.Masks.Slice(k, k+1).Data, codec.Convert(t.Mask, d.Codec.Layout, codec.RowMajor).Data)
			b.Sources[k] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.log.Debug("loaded batch", zap.Int("start", start), zap.Int("size", n))
	return b, nil
}
