// The train command trains the detection network on an annotated image set.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/jnb666/deepdetect/logger"
	"github.com/jnb666/deepdetect/nnet"
	"github.com/jnb666/deepdetect/stats"
	"github.com/jnb666/deepdetect/viz"
	"github.com/jnb666/deepdetect/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	parser := argparse.NewParser("train", "Train the hourglass object detection network")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML config file", Default: ""})
	settings := parser.StringList("s", "set", &argparse.Options{Help: "Override config setting as Key=value"})
	annotations := parser.String("a", "annotations", &argparse.Options{Help: "Annotation file, overrides config", Default: ""})
	webAddr := parser.String("w", "web", &argparse.Options{Help: "Serve training monitor at this address, e.g. :8080", Default: ""})
	hashPassword := parser.String("", "hashpw", &argparse.Options{Help: "Print bcrypt hash of password for the web_password_hash setting and exit", Default: ""})
	showConfig := parser.Flag("", "show", &argparse.Options{Help: "Print the config and network and exit", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *hashPassword != "" {
		hash, err := web.HashPassword(*hashPassword)
		check(err)
		fmt.Println(hash)
		return
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
	if *webAddr != "" {
		cfg.WebAddr = *webAddr
	}
	check(cfg.Validate())

	log, err := logger.New(cfg.Logging())
	check(err)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *showConfig, log); err != nil && ctx.Err() == nil {
		log.Fatal("training failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg nnet.Config, show bool, log *zap.Logger) error {
	data, err := nnet.LoadDataset(cfg, log)
	if err != nil {
		return err
	}
	opts, err := cfg.NetOptions(len(data.Codec.Labels))
	if err != nil {
		return err
	}
	net, err := nnet.New(opts, log)
	if err != nil {
		return err
	}
	if show {
		fmt.Println(cfg)
		fmt.Println(net)
		return nil
	}
	rng := rand.New(rand.NewSource(cfg.RandSeed))
	net.InitWeights(rng)
	log.Info("created network", zap.Int("params", net.NumParams()), zap.Int("classes", opts.Classes),
		zap.Int("input_size", cfg.InputSize))

	trainer, err := nnet.NewTrainer(cfg, net, data, rng, log)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	var monitor *web.Monitor
	if cfg.WebAddr != "" {
		monitor, err = web.NewMonitor(trainer.History, web.Options{Addr: cfg.WebAddr, Title: filepath.Base(cfg.Annotations),
			User: cfg.WebUser, PasswordHash: cfg.WebPassword}, log)
		if err != nil {
			return err
		}
		trainer.Observers = append(trainer.Observers, monitor)
		g.Go(func() error { return monitor.ListenAndServe(ctx) })
	}
	if cfg.RenderEvery > 0 {
		trainer.Observers = append(trainer.Observers, renderer(cfg, net, data, monitor, log))
	}
	g.Go(func() error {
		err := trainer.Run(ctx)
		if monitor == nil || err != nil {
			return err
		}
		// keep serving the final results until interrupted
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// renderer draws the detections for the first training image every RenderEvery steps.
func renderer(cfg nnet.Config, net *nnet.Network, data *nnet.Dataset, monitor *web.Monitor, log *zap.Logger) nnet.Observer {
	m, targets, err := data.Load(0)
	if err != nil {
		log.Error("render image", zap.Error(err))
		return nnet.ObserverFunc(func(stats.Step) {})
	}
	truth, err := data.Codec.DecodeTargets(targets, m.Width, m.Height)
	if err != nil {
		log.Error("decode ground truth", zap.String("file", m.Path), zap.Error(err))
	}
	file := filepath.Join(cfg.OutputDir, "latest.png")
	return nnet.ObserverFunc(func(s stats.Step) {
		if s.Step%cfg.RenderEvery != 0 {
			return
		}
		dets, prob, err := viz.Detect(m, net, data.Codec, float32(cfg.Threshold))
		if err != nil {
			log.Error("detect", zap.Error(err))
			return
		}
		out := viz.Render(m.Src, dets, viz.Heatmap(data.Codec, prob, m.Width, m.Height), viz.Options{
			Title: fmt.Sprintf("step %d epoch %d", s.Step, s.Epoch),
			Truth: truth,
		})
		if err := viz.Save(out, file); err != nil {
			log.Error("save image", zap.Error(err))
		}
		if monitor != nil {
			if err := monitor.SetImage(out); err != nil {
				log.Error("monitor image", zap.Error(err))
			}
		}
		log.Debug("rendered detections", zap.Int("step", s.Step), zap.Int("detections", len(dets)))
	})
}

func check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
