package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/go-srcnn/layers"
	"github.com/tsawler/go-srcnn/optimizer"
	"github.com/tsawler/go-srcnn/tensor"
)

// Criterion is a differentiable reconstruction loss.
type Criterion interface {
	// Loss returns the loss of output against target in float64.
	Loss(output, target *tensor.Tensor) (float64, error)
	// Gradient returns scale * dLoss/dOutput.
	Gradient(output, target *tensor.Tensor, scale float32) (*tensor.Tensor, error)
}

// ForwardResult holds one recorded forward pass.
type ForwardResult struct {
	Output *tensor.Tensor
	Target *tensor.Tensor
	Loss   float64

	tape *layers.Tape
}

// StepResult reports the outcome of one training iteration.
type StepResult struct {
	Loss       float64 // unscaled loss, reported even when the step is skipped
	ScaledLoss float64
	Applied    bool
	Scale      float32 // scale in effect for this step
}

// TrainingEngine runs the loss-scaled update cycle over a model.
type TrainingEngine struct {
	model     *layers.Model
	optimizer optimizer.Optimizer
	precision Precision
	scaler    *LossScaler
	criterion Criterion
	params    []*layers.Parameter

	steps   uint64
	skipped uint64
}

// NewTrainingEngine wires the collaborators of a training step.
func NewTrainingEngine(
	model *layers.Model,
	opt optimizer.Optimizer,
	precision Precision,
	scaler *LossScaler,
	criterion Criterion,
) (*TrainingEngine, error) {
	if model == nil || opt == nil || precision == nil || scaler == nil || criterion == nil {
		return nil, fmt.Errorf("training engine requires model, optimizer, precision, scaler and criterion")
	}
	return &TrainingEngine{
		model:     model,
		optimizer: opt,
		precision: precision,
		scaler:    scaler,
		criterion: criterion,
		params:    model.Parameters(),
	}, nil
}

// Forward evaluates the model and loss under the configured precision,
// recording what the backward pass needs.
func (e *TrainingEngine) Forward(input, target *tensor.Tensor) (*ForwardResult, error) {
	output, tape, err := e.precision.Forward(e.model, input, true)
	if err != nil {
		return nil, err
	}
	loss, err := e.criterion.Loss(output, target)
	if err != nil {
		return nil, err
	}
	return &ForwardResult{Output: output, Target: target, Loss: loss, tape: tape}, nil
}

// Scale returns loss multiplied by the current loss scale.
func (e *TrainingEngine) Scale(loss float64) float64 {
	return e.scaler.ScaleLoss(loss)
}

// AccumulateGradients replaces the parameter gradients with those of the
// scaled loss of fr.
func (e *TrainingEngine) AccumulateGradients(fr *ForwardResult) error {
	if fr == nil || fr.tape == nil {
		return fmt.Errorf("forward result was not recorded")
	}
	e.optimizer.ZeroGrad()
	grad, err := e.criterion.Gradient(fr.Output, fr.Target, e.scaler.Scale())
	if err != nil {
		return err
	}
	return e.precision.Backward(e.model, fr.tape, grad)
}

// Step unscales the gradients and applies the optimizer unless any
// gradient is non-finite.
func (e *TrainingEngine) Step() (bool, error) {
	applied, err := e.precision.Step(e.optimizer, e.params, e.scaler.InvScale())
	if err != nil {
		return false, err
	}
	e.steps++
	if !applied {
		e.skipped++
	}
	return applied, nil
}

// UpdateScale feeds the outcome of the last step to the loss scaler.
func (e *TrainingEngine) UpdateScale(applied bool) {
	e.scaler.Update(applied)
}

// TrainStep runs forward, scale, gradient accumulation, step and scale
// update for one batch.
func (e *TrainingEngine) TrainStep(input, target *tensor.Tensor) (StepResult, error) {
	scale := e.scaler.Scale()

	fr, err := e.Forward(input, target)
	if err != nil {
		return StepResult{}, err
	}
	scaled := e.Scale(fr.Loss)

	if err := e.AccumulateGradients(fr); err != nil {
		return StepResult{}, err
	}

	applied := false
	if !math.IsNaN(fr.Loss) && !math.IsInf(fr.Loss, 0) {
		applied, err = e.Step()
		if err != nil {
			return StepResult{}, err
		}
	} else {
		// Non-finite loss always yields non-finite gradients; skip directly.
		e.steps++
		e.skipped++
	}
	e.UpdateScale(applied)

	return StepResult{Loss: fr.Loss, ScaledLoss: scaled, Applied: applied, Scale: scale}, nil
}

// Infer evaluates the model without recording anything for backward.
// Target may be nil, in which case the returned loss is zero.
func (e *TrainingEngine) Infer(input, target *tensor.Tensor) (*tensor.Tensor, float64, error) {
	output, _, err := e.precision.Forward(e.model, input, false)
	if err != nil {
		return nil, 0, err
	}
	if target == nil {
		return output, 0, nil
	}
	loss, err := e.criterion.Loss(output, target)
	if err != nil {
		return nil, 0, err
	}
	return output, loss, nil
}

// Model returns the model being trained.
func (e *TrainingEngine) Model() *layers.Model { return e.model }

// Precision returns the execution strategy.
func (e *TrainingEngine) Precision() Precision { return e.precision }

// Scaler returns the loss scaler.
func (e *TrainingEngine) Scaler() *LossScaler { return e.scaler }

// EngineStats summarises step outcomes.
type EngineStats struct {
	Precision    string
	Steps        uint64
	SkippedSteps uint64
	Scaler       LossScalerStats
}

// Stats returns step counters and the scaler state.
func (e *TrainingEngine) Stats() EngineStats {
	return EngineStats{
		Precision:    e.precision.Name(),
		Steps:        e.steps,
		SkippedSteps: e.skipped,
		Scaler:       e.scaler.Stats(),
	}
}
