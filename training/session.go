package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-srcnn/checkpoints"
	"github.com/tsawler/go-srcnn/engine"
	"github.com/tsawler/go-srcnn/layers"
	"github.com/tsawler/go-srcnn/optimizer"
	"github.com/tsawler/go-srcnn/vision/dataloader"
	"github.com/tsawler/go-srcnn/vision/dataset"
)

// SessionState is the lifecycle phase of a session.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateTraining   SessionState = "training"
	StateEvaluating SessionState = "evaluating"
	StateFinished   SessionState = "finished"
	StateCancelled  SessionState = "cancelled"
	StateFailed     SessionState = "failed"
)

// EpochObserver is notified after every completed epoch, for example to
// journal it. An observer error aborts the run.
type EpochObserver interface {
	ObserveEpoch(record EpochRecord) error
}

// SessionOptions carries the collaborators a session does not build itself.
type SessionOptions struct {
	Out       io.Writer // console reporting; stdout when nil
	Observers []EpochObserver
}

// Status is a point-in-time view of a session.
type Status struct {
	State        SessionState       `json:"state"`
	Epoch        int                `json:"epoch"` // epoch in progress or last completed
	Epochs       int                `json:"epochs"`
	Seed         int64              `json:"seed"`
	Device       string             `json:"device"`
	Precision    string             `json:"precision"`
	LastLoss     checkpoints.Metric `json:"last_loss"`
	LastPSNR     checkpoints.Metric `json:"last_psnr"`
	BestPSNR     checkpoints.Metric `json:"best_psnr"`
	BestEpoch    int                `json:"best_epoch"`
	LossScale    float32            `json:"loss_scale"`
	Steps        uint64             `json:"steps"`
	SkippedSteps uint64             `json:"skipped_steps"`
	Error        string             `json:"error,omitempty"`
}

// Session owns everything that lives for one training run: the random
// source, the model and its engine, both loaders, the best metric and
// the epoch history.
type Session struct {
	config    TrainerConfig
	rng       *rand.Rand
	device    engine.Device
	model     *layers.Model
	engine    *engine.TrainingEngine
	train     *dataloader.DataLoader
	val       *dataloader.DataLoader
	trainer   *Trainer
	evaluator *Evaluator
	ckpts     *CheckpointManager
	collector *VisualizationCollector
	observers []EpochObserver
	out       io.Writer

	mu     sync.RWMutex
	status Status
}

// NewSession validates config and builds the model, optimizer, engine and
// loaders. The model is initialised from the seeded random source before
// any shuffling, so a seed fully determines the run.
func NewSession(config TrainerConfig, trainSet, valSet dataset.Dataset, opts SessionOptions) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if trainSet == nil || valSet == nil {
		return nil, fmt.Errorf("%w: train and validation datasets are required", ErrInvalidConfig)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	device, info, err := engine.DetectDevice(config.Accelerated)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("device %s: %s", device, info)

	workers := config.ComputeJobs
	if workers == 0 {
		workers = device.Workers()
	}
	precisionName := engine.ResolvePrecision(config.Precision, device)
	precision, err := engine.NewPrecision(precisionName, workers)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(config.Seed))

	srcnn := layers.DefaultSRCNNConfig()
	srcnn.PatchSize = config.PatchSize
	model, err := layers.NewSRCNN(srcnn, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	if config.Weights != "" {
		ckpt, err := LoadModelWeights(model, config.Weights)
		if err != nil {
			return nil, err
		}
		klog.Infof("loaded weights from %s (epoch %d, %.2f dB)", config.Weights, ckpt.Metadata.Epoch, float64(ckpt.Metadata.PSNR))
	}

	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = config.DefaultLearningRate()
	opt, err := optimizer.NewAdam(adamConfig, optimizer.GroupsFromModel(model.ParameterGroups(), config.GroupLearningRate()))
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	scaler, err := engine.NewLossScaler(config.LossScaler)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewTrainingEngine(model, opt, precision, scaler, NewMSELoss())
	if err != nil {
		return nil, err
	}

	train, val, err := dataloader.CreateSharedDataLoaders(trainSet, valSet, dataloader.Config{
		BatchSize:     config.BatchSize,
		NumWorkers:    config.Workers,
		PrefetchDepth: config.Workers,
		MaxCacheSize:  config.CacheSize,
	}, rng)
	if err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(config.Format)
	if err != nil {
		return nil, err
	}

	s := &Session{
		config:    config,
		rng:       rng,
		device:    device,
		model:     model,
		engine:    eng,
		train:     train,
		val:       val,
		trainer:   NewTrainer(eng, config.PrintFreq, out, config.Epochs),
		evaluator: NewEvaluator(eng, config.PeakValue),
		ckpts: NewCheckpointManager(model, CheckpointConfig{
			SaveDirectory: config.OutputDir,
			Format:        format,
			ScaleFactor:   config.ScaleFactor,
		}),
		collector: NewVisualizationCollector("SRCNN"),
		observers: opts.Observers,
		out:       out,
	}
	s.status = Status{
		State:     StateIdle,
		Epochs:    config.Epochs,
		Seed:      config.Seed,
		Device:    device.String(),
		Precision: precision.Name(),
		LastLoss:  checkpoints.Metric(math.NaN()),
		LastPSNR:  checkpoints.Metric(math.NaN()),
		BestPSNR:  checkpoints.Metric(math.Inf(-1)),
		BestEpoch: -1,
		LossScale: scaler.Scale(),
	}
	return s, nil
}

// Run trains for the configured number of epochs. Cancelling ctx stops the
// run between batches; snapshots of completed epochs stay on disk.
func (s *Session) Run(ctx context.Context) error {
	for epoch := 0; epoch < s.config.Epochs; epoch++ {
		if _, err := s.RunEpoch(ctx, epoch); err != nil {
			return err
		}
	}
	s.setState(StateFinished, nil)
	best, bestEpoch := s.ckpts.BestMetric()
	klog.Infof("training finished: best %.2f dB at epoch %d", best, bestEpoch)
	return nil
}

// RunEpoch trains one epoch, evaluates it, writes its snapshots and
// notifies the observers.
func (s *Session) RunEpoch(ctx context.Context, epoch int) (EpochRecord, error) {
	s.mu.Lock()
	s.status.Epoch = epoch
	s.mu.Unlock()
	s.setState(StateTraining, nil)

	it, err := s.train.Epoch(ctx)
	if err != nil {
		return EpochRecord{}, s.fail(err)
	}
	stats, err := s.trainer.TrainEpoch(ctx, epoch, it, s.train.NumBatches())
	if err != nil {
		return EpochRecord{}, s.fail(err)
	}
	fmt.Fprintf(s.out, "Epoch %d. Training loss: %.6f\n", epoch, stats.MeanLoss)
	if stats.Skipped > 0 {
		klog.V(1).Infof("epoch %d: %d of %d steps skipped, loss scale now %g", epoch, stats.Skipped, stats.Batches, s.engine.Scaler().Scale())
	}

	s.setState(StateEvaluating, nil)
	vit, err := s.val.Epoch(ctx)
	if err != nil {
		return EpochRecord{}, s.fail(err)
	}
	eval, err := s.evaluator.Evaluate(ctx, vit)
	if err != nil {
		return EpochRecord{}, s.fail(err)
	}
	fmt.Fprintf(s.out, "Average PSNR: %.2f dB.\n", eval.MeanPSNR)

	saved, err := s.ckpts.SaveEpoch(epoch, eval.MeanPSNR)
	if err != nil {
		return EpochRecord{}, s.fail(err)
	}
	klog.V(1).Infof("saved %s", saved.EpochPath)
	if saved.Improved {
		klog.V(1).Infof("saved best snapshot %s", saved.BestPath)
	}

	record := EpochRecord{
		Epoch:        epoch,
		TrainLoss:    checkpoints.Metric(stats.MeanLoss),
		ValLoss:      checkpoints.Metric(eval.MeanLoss),
		ValPSNR:      checkpoints.Metric(eval.MeanPSNR),
		SkippedSteps: stats.Skipped,
		LossScale:    s.engine.Scaler().Scale(),
		BestImproved: saved.Improved,
		Duration:     stats.Duration,
	}
	s.collector.RecordEpoch(record)

	engineStats := s.engine.Stats()
	best, bestEpoch := s.ckpts.BestMetric()
	s.mu.Lock()
	s.status.LastLoss = checkpoints.Metric(stats.MeanLoss)
	s.status.LastPSNR = checkpoints.Metric(eval.MeanPSNR)
	s.status.BestPSNR = checkpoints.Metric(best)
	s.status.BestEpoch = bestEpoch
	s.status.LossScale = engineStats.Scaler.Scale
	s.status.Steps = engineStats.Steps
	s.status.SkippedSteps = engineStats.SkippedSteps
	s.mu.Unlock()

	for _, obs := range s.observers {
		if err := obs.ObserveEpoch(record); err != nil {
			return record, s.fail(fmt.Errorf("epoch observer: %w", err))
		}
	}
	s.setState(StateIdle, nil)
	return record, nil
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// History returns the completed epochs.
func (s *Session) History() []EpochRecord {
	return s.collector.History()
}

// Collector returns the epoch history collector used for plots.
func (s *Session) Collector() *VisualizationCollector {
	return s.collector
}

// Model returns the model being trained.
func (s *Session) Model() *layers.Model {
	return s.model
}

// Engine returns the training engine.
func (s *Session) Engine() *engine.TrainingEngine {
	return s.engine
}

// Checkpoints returns the snapshot manager.
func (s *Session) Checkpoints() *CheckpointManager {
	return s.ckpts
}

// PrintArchitecture writes the model layout to the console.
func (s *Session) PrintArchitecture() {
	NewModelArchitecturePrinter("SRCNN", s.out).PrintArchitecture(s.model.Spec)
}

func (s *Session) setState(state SessionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
	if err != nil {
		s.status.Error = err.Error()
	}
}

func (s *Session) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.setState(StateCancelled, err)
	} else {
		s.setState(StateFailed, err)
	}
	return err
}
