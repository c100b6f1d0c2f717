package training

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-srcnn/tensor"
)

// Inferer evaluates a batch without touching parameters or gradients.
type Inferer interface {
	Infer(input, target *tensor.Tensor) (*tensor.Tensor, float64, error)
}

// EvalStats summarises one validation pass. PSNR is averaged per batch.
type EvalStats struct {
	MeanPSNR float64
	MeanLoss float64
	MinPSNR  float64
	MaxPSNR  float64
	Batches  int
}

// Evaluator computes the validation metric of the current parameters.
type Evaluator struct {
	inferer Inferer
	peak    float64
}

// NewEvaluator creates an evaluator for signals in [0, peak].
func NewEvaluator(inferer Inferer, peak float64) *Evaluator {
	return &Evaluator{inferer: inferer, peak: peak}
}

// Evaluate runs inference over every validation batch and averages the
// per-batch PSNR. It never modifies the model.
func (e *Evaluator) Evaluate(ctx context.Context, it BatchIterator) (EvalStats, error) {
	defer it.Close()

	var psnrs, losses []float64
	for {
		if err := ctx.Err(); err != nil {
			return EvalStats{}, err
		}
		batch, ok, err := it.Next()
		if err != nil {
			return EvalStats{}, fmt.Errorf("validation batch %d: %w", len(psnrs), err)
		}
		if !ok {
			break
		}
		_, loss, err := e.inferer.Infer(batch.LowRes, batch.HighRes)
		if err != nil {
			return EvalStats{}, fmt.Errorf("validation batch %d: %w", len(psnrs), err)
		}
		losses = append(losses, loss)
		psnrs = append(psnrs, PSNR(loss, e.peak))
		klog.V(3).Infof("validation batch %d: loss=%.6f psnr=%.2f", len(psnrs)-1, loss, psnrs[len(psnrs)-1])
	}

	if len(psnrs) == 0 {
		return EvalStats{}, fmt.Errorf("validation set produced no batches")
	}
	return EvalStats{
		MeanPSNR: stat.Mean(psnrs, nil),
		MeanLoss: stat.Mean(losses, nil),
		MinPSNR:  floats.Min(psnrs),
		MaxPSNR:  floats.Max(psnrs),
		Batches:  len(psnrs),
	}, nil
}
