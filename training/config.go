package training

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-srcnn/checkpoints"
	"github.com/tsawler/go-srcnn/engine"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid training configuration")

// BaseRateFactor scales the base learning rate into the optimizer's
// default rate. Each parameter group trains at the unscaled base rate.
const BaseRateFactor = 0.1

// TrainerConfig holds the resolved options for a training run.
type TrainerConfig struct {
	DataRoot     string
	Workers      int // prefetch workers per loader; 0 loads on the training goroutine
	Epochs       int
	BatchSize    int
	LearningRate float32
	ScaleFactor  int
	PrintFreq    int // batches between progress updates; 0 disables them
	Accelerated  bool
	Weights      string // optional checkpoint to initialise parameters from
	Seed         int64

	OutputDir   string
	Precision   string // auto, float32 or mixed
	PeakValue   float64
	PatchSize   int
	Format      string // binary or json
	CacheSize   int    // decoded samples kept per loader; negative keeps all
	ComputeJobs int    // goroutines per batch in layer kernels; 0 uses the device default

	LossScaler engine.LossScalerConfig
}

// DefaultTrainerConfig returns the stock SRCNN training options.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		DataRoot:     "./data/DIV2K",
		Workers:      0,
		Epochs:       200,
		BatchSize:    64,
		LearningRate: 0.0001,
		ScaleFactor:  4,
		PrintFreq:    5,
		OutputDir:    "weights",
		Precision:    engine.PrecisionAuto,
		PeakValue:    1.0,
		PatchSize:    96,
		Format:       checkpoints.FormatBinary.String(),
		CacheSize:    0,
		LossScaler:   engine.DefaultLossScalerConfig(),
	}
}

// Validate rejects configurations that cannot start a run.
func (c TrainerConfig) Validate() error {
	switch c.ScaleFactor {
	case 2, 3, 4:
	default:
		return fmt.Errorf("%w: scale factor must be 2, 3 or 4, got %d", ErrInvalidConfig, c.ScaleFactor)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidConfig, c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if !(c.LearningRate > 0) {
		return fmt.Errorf("%w: learning rate must be positive, got %g", ErrInvalidConfig, c.LearningRate)
	}
	if !(c.PeakValue > 0) {
		return fmt.Errorf("%w: peak value must be positive, got %g", ErrInvalidConfig, c.PeakValue)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.ComputeJobs < 0 {
		return fmt.Errorf("%w: compute jobs must not be negative, got %d", ErrInvalidConfig, c.ComputeJobs)
	}
	if c.PrintFreq < 0 {
		return fmt.Errorf("%w: print frequency must not be negative, got %d", ErrInvalidConfig, c.PrintFreq)
	}
	if c.PatchSize < c.ScaleFactor {
		return fmt.Errorf("%w: patch size %d is smaller than scale factor %d", ErrInvalidConfig, c.PatchSize, c.ScaleFactor)
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidConfig)
	}

	switch c.Precision {
	case engine.PrecisionAuto, engine.PrecisionFloat32, engine.PrecisionMixed:
	default:
		return fmt.Errorf("%w: unknown precision %q", ErrInvalidConfig, c.Precision)
	}
	if _, err := checkpoints.ParseFormat(c.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.LossScaler.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// GroupLearningRate is the rate used by each of the three parameter groups.
func (c TrainerConfig) GroupLearningRate() float32 {
	return c.LearningRate
}

// DefaultLearningRate is the optimizer-wide rate, the base rate scaled by
// BaseRateFactor.
func (c TrainerConfig) DefaultLearningRate() float32 {
	return c.LearningRate * BaseRateFactor
}

// String renders the configuration for the start-of-run report.
func (c TrainerConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Namespace(dataroot=%q, workers=%d, epochs=%d, batch_size=%d, lr=%g, scale_factor=%d, print_freq=%d, accelerated=%t, weights=%q, seed=%d",
		c.DataRoot, c.Workers, c.Epochs, c.BatchSize, c.LearningRate, c.ScaleFactor, c.PrintFreq, c.Accelerated, c.Weights, c.Seed)
	fmt.Fprintf(&sb, ", output=%q, precision=%s, peak=%g, patch_size=%d, format=%s, cache_size=%d)",
		c.OutputDir, c.Precision, c.PeakValue, c.PatchSize, c.Format, c.CacheSize)
	return sb.String()
}
