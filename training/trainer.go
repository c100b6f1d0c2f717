package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-srcnn/engine"
	"github.com/tsawler/go-srcnn/tensor"
	"github.com/tsawler/go-srcnn/vision/dataloader"
)

// BatchIterator delivers the batches of one pass in order.
type BatchIterator interface {
	Next() (dataloader.Batch, bool, error)
	Close()
}

// Stepper runs one full training iteration on a batch.
type Stepper interface {
	TrainStep(input, target *tensor.Tensor) (engine.StepResult, error)
}

// EpochStats summarises one training pass.
type EpochStats struct {
	Epoch    int
	MeanLoss float64 // includes the loss of skipped steps
	Batches  int
	Skipped  int
	Scale    float32 // loss scale in effect for the last batch
	Duration time.Duration
}

// Trainer drives the gradient updates of an epoch.
type Trainer struct {
	stepper   Stepper
	printFreq int
	out       io.Writer
	epochs    int
}

// NewTrainer creates a trainer. Progress is drawn to out every printFreq
// batches; a nil writer or zero frequency disables it.
func NewTrainer(stepper Stepper, printFreq int, out io.Writer, epochs int) *Trainer {
	return &Trainer{stepper: stepper, printFreq: printFreq, out: out, epochs: epochs}
}

// TrainEpoch runs one training step per batch and returns the mean of the
// per-batch losses. A skipped step still contributes its loss. Any data or
// compute error aborts the epoch; cancellation is checked between batches.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, it BatchIterator, numBatches int) (EpochStats, error) {
	defer it.Close()

	start := time.Now()
	stats := EpochStats{Epoch: epoch}
	losses := make([]float64, 0, numBatches)

	var bar *ProgressBar
	if t.out != nil && t.printFreq > 0 {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d/%d (Training)", epoch, t.epochs), numBatches)
		bar.SetOutput(t.out)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, ok, err := it.Next()
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, len(losses), err)
		}
		if !ok {
			break
		}

		result, err := t.stepper.TrainStep(batch.LowRes, batch.HighRes)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, len(losses), err)
		}
		losses = append(losses, result.Loss)
		stats.Scale = result.Scale
		if !result.Applied {
			stats.Skipped++
			klog.V(2).Infof("epoch %d batch %d: step skipped at scale %g", epoch, len(losses)-1, result.Scale)
		}

		if bar != nil && (len(losses)%t.printFreq == 0 || len(losses) == numBatches) {
			bar.Update(len(losses), map[string]float64{"loss": result.Loss, "scale": float64(result.Scale)})
		}
		klog.V(3).Infof("epoch %d batch %d: loss=%.6f applied=%t", epoch, len(losses)-1, result.Loss, result.Applied)
	}

	if bar != nil {
		bar.Finish()
	}
	if len(losses) == 0 {
		return stats, fmt.Errorf("epoch %d: training set produced no batches", epoch)
	}

	stats.Batches = len(losses)
	stats.MeanLoss = stat.Mean(losses, nil)
	stats.Duration = time.Since(start)
	return stats, nil
}
