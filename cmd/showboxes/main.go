// The showboxes command renders the encoded ground truth boxes of an annotated image set. The boxes are
// encoded and decoded with the training codec so the output shows exactly what the network is trained on.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/jnb666/deepdetect/logger"
	"github.com/jnb666/deepdetect/nnet"
	"github.com/jnb666/deepdetect/viz"
	"go.uber.org/zap"
)

func main() {
	parser := argparse.NewParser("showboxes", "Draw encoded ground truth boxes over the training images")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML config file", Default: ""})
	settings := parser.StringList("s", "set", &argparse.Options{Help: "Override config setting as Key=value"})
	annotations := parser.String("a", "annotations", &argparse.Options{Help: "Annotation file, overrides config", Default: ""})
	outDir := parser.String("o", "output", &argparse.Options{Help: "Output directory", Default: "boxes"})
	first := parser.Int("f", "first", &argparse.Options{Help: "Index of first image", Default: 0})
	count := parser.Int("n", "count", &argparse.Options{Help: "Number of images, 0 for all", Default: 0})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	cfg := nnet.DefaultConfig()
	if *configFile != "" {
		cfg, err = nnet.LoadConfig(*configFile)
		check(err)
	}
	cfg, err = cfg.Apply(*settings)
	check(err)
	if *annotations != "" {
		cfg.Annotations = *annotations
	}
	check(cfg.Validate())
	log := logger.Must(cfg.Logging())
	defer log.Sync()

	data, err := nnet.LoadDataset(cfg, log)
	check(err)
	check(os.MkdirAll(*outDir, 0755))
	end := data.Len()
	if *count > 0 {
		end = min(end, *first+*count)
	}
	for i := *first; i < end; i++ {
		m, targets, err := data.Load(i)
		if err != nil {
			log.Error("load image", zap.String("file", data.Path(i)), zap.Error(err))
			continue
		}
		base := strings.TrimSuffix(filepath.Base(m.Path), filepath.Ext(m.Path))
		file := filepath.Join(*outDir, base+"_truth.png")
		if err := viz.ShowGroundTruth(m, targets, data.Codec, file); err != nil {
			log.Error("render", zap.String("file", file), zap.Error(err))
			continue
		}
		log.Info("saved", zap.String("file", file), zap.Int("boxes", len(data.Items[i].Boxes)))
	}
}

func check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
