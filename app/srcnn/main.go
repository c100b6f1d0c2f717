package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-srcnn/journal"
	"github.com/tsawler/go-srcnn/layers"
	"github.com/tsawler/go-srcnn/monitor"
	"github.com/tsawler/go-srcnn/training"
	"github.com/tsawler/go-srcnn/vision/dataset"
)

func main() {
	cfg := training.DefaultTrainerConfig()
	var journalPath, httpAddr, plotPath string

	flag.StringVar(&cfg.DataRoot, "dataroot", cfg.DataRoot, "path to datasets with train and val subdirectories")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of data loading workers")
	flag.IntVar(&cfg.Workers, "j", cfg.Workers, "shorthand for -workers")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of total epochs to run")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "mini-batch size")
	flag.IntVar(&cfg.BatchSize, "b", cfg.BatchSize, "shorthand for -batch-size")
	lr := flag.Float64("lr", float64(cfg.LearningRate), "learning rate")
	flag.IntVar(&cfg.ScaleFactor, "scale-factor", cfg.ScaleFactor, "low to high resolution scaling factor (2, 3 or 4)")
	flag.IntVar(&cfg.PrintFreq, "print-freq", cfg.PrintFreq, "print frequency in batches")
	flag.IntVar(&cfg.PrintFreq, "p", cfg.PrintFreq, "shorthand for -print-freq")
	flag.BoolVar(&cfg.Accelerated, "accelerated", cfg.Accelerated, "use the accelerated compute path")
	flag.StringVar(&cfg.Weights, "weights", cfg.Weights, "path to weights to initialise the model from")
	flag.Int64Var(&cfg.Seed, "seed", 0, "seed for initializing training; 0 picks one")
	flag.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "directory for checkpoints")
	flag.StringVar(&cfg.Precision, "precision", cfg.Precision, "arithmetic precision: auto, float32 or mixed")
	flag.Float64Var(&cfg.PeakValue, "peak", cfg.PeakValue, "peak signal value used for PSNR")
	flag.IntVar(&cfg.PatchSize, "patch-size", cfg.PatchSize, "training patch size in pixels")
	flag.StringVar(&cfg.Format, "format", cfg.Format, "checkpoint format: binary or json")
	flag.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "decoded samples to keep in memory; negative keeps all")
	flag.IntVar(&cfg.ComputeJobs, "compute-jobs", cfg.ComputeJobs, "goroutines per batch in layer kernels; 0 uses all cores")
	flag.StringVar(&journalPath, "journal", "", "SQLite file to journal the run into")
	flag.StringVar(&httpAddr, "http", "", "address for the status server, e.g. localhost:8080")
	flag.StringVar(&plotPath, "plot", "", "write a PSNR plot here when training ends (.svg or .png)")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg.LearningRate = float32(*lr)
	if cfg.Seed == 0 {
		cfg.Seed = rand.New(rand.NewSource(time.Now().UnixNano())).Int63n(10000) + 1
	}

	if err := run(cfg, journalPath, httpAddr, plotPath); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		if errors.Is(err, training.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cfg training.TrainerConfig, journalPath, httpAddr, plotPath string) error {
	fmt.Println(cfg)
	fmt.Println("Random Seed: ", cfg.Seed)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	spec, err := layers.SRCNNSpec(srcnnConfig(cfg))
	if err != nil {
		return err
	}
	border, err := spec.OutputBorder()
	if err != nil {
		return err
	}
	folder := dataset.SRFolderConfig{PatchSize: cfg.PatchSize, ScaleFactor: cfg.ScaleFactor, Border: border}
	trainSet, err := dataset.NewSRFolderDataset(cfg.DataRoot, "train", folder)
	if err != nil {
		return err
	}
	valSet, err := dataset.NewSRFolderDataset(cfg.DataRoot, "val", folder)
	if err != nil {
		return err
	}
	klog.Infof("datasets: %s, %s", trainSet, valSet)

	var opts training.SessionOptions
	var runs *journal.Journal
	var runID int64
	if journalPath != "" {
		runs, err = journal.Open(journalPath)
		if err != nil {
			return err
		}
		defer runs.Close()

		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		runID, err = runs.StartRun(cfg.Seed, string(configJSON))
		if err != nil {
			return err
		}
		opts.Observers = append(opts.Observers, runs.Observer(runID))
		klog.Infof("journaling run %d into %s", runID, journalPath)
	}

	session, err := training.NewSession(cfg, trainSet, valSet, opts)
	if err != nil {
		return err
	}
	session.PrintArchitecture()

	if httpAddr != "" {
		srv, err := monitor.Start(httpAddr, session)
		if err != nil {
			return fmt.Errorf("failed to start monitor: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	runErr := session.Run(ctx)
	klog.Infof("run ended after %s in state %s", time.Since(start).Round(time.Second), session.Status().State)

	if runs != nil {
		if err := runs.FinishRun(runID, string(session.Status().State)); err != nil {
			klog.Warningf("failed to close journal run: %v", err)
		}
	}
	if plotPath != "" && len(session.History()) > 0 {
		if err := os.MkdirAll(filepath.Dir(plotPath), 0755); err != nil {
			return err
		}
		if err := session.Collector().WritePlot(plotPath, training.PlotPSNR); err != nil {
			klog.Warningf("failed to write plot: %v", err)
		}
	}
	return runErr
}

func srcnnConfig(cfg training.TrainerConfig) layers.SRCNNConfig {
	c := layers.DefaultSRCNNConfig()
	c.PatchSize = cfg.PatchSize
	return c
}
