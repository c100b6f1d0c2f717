package engine

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-srcnn/layers"
	"github.com/tsawler/go-srcnn/optimizer"
	"github.com/tsawler/go-srcnn/tensor"
)

// Precision is the numeric execution strategy of a training session.
// Both implementations share signatures so the step logic above them does
// not depend on the selected mode.
type Precision interface {
	Name() string
	Forward(model *layers.Model, x *tensor.Tensor, record bool) (*tensor.Tensor, *layers.Tape, error)
	Backward(model *layers.Model, tape *layers.Tape, gradOut *tensor.Tensor) error
	// Step divides the gradients by the loss scale and applies the
	// optimizer. When any gradient is non-finite nothing is updated and
	// applied is false.
	Step(opt optimizer.Optimizer, params []*layers.Parameter, invScale float32) (applied bool, err error)
}

const (
	PrecisionFloat32 = "float32"
	PrecisionMixed   = "mixed"
	PrecisionAuto    = "auto"
)

// NewPrecision returns the strategy named by name.
func NewPrecision(name string, workers int) (Precision, error) {
	switch name {
	case PrecisionFloat32:
		return &float32Precision{opts: layers.ComputeOptions{Workers: workers}}, nil
	case PrecisionMixed:
		return &mixedPrecision{opts: layers.ComputeOptions{Workers: workers, Round: tensor.RoundHalf}}, nil
	default:
		return nil, fmt.Errorf("unknown precision %q (want %s or %s)", name, PrecisionFloat32, PrecisionMixed)
	}
}

// ResolvePrecision maps "auto" to mixed precision on accelerated devices
// and full precision otherwise.
func ResolvePrecision(name string, device Device) string {
	if name != PrecisionAuto {
		return name
	}
	if device == DeviceAccelerated {
		return PrecisionMixed
	}
	return PrecisionFloat32
}

type float32Precision struct {
	opts layers.ComputeOptions
}

func (p *float32Precision) Name() string { return PrecisionFloat32 }

func (p *float32Precision) Forward(model *layers.Model, x *tensor.Tensor, record bool) (*tensor.Tensor, *layers.Tape, error) {
	return model.Forward(x, p.opts, record)
}

func (p *float32Precision) Backward(model *layers.Model, tape *layers.Tape, gradOut *tensor.Tensor) error {
	return model.Backward(tape, gradOut, p.opts)
}

func (p *float32Precision) Step(opt optimizer.Optimizer, params []*layers.Parameter, invScale float32) (bool, error) {
	return unscaleAndStep(opt, params, invScale)
}

// mixedPrecision stores activations, working weights and activation
// gradients in half precision. Master weights and their gradients stay
// in float32.
type mixedPrecision struct {
	opts layers.ComputeOptions
}

func (p *mixedPrecision) Name() string { return PrecisionMixed }

func (p *mixedPrecision) Forward(model *layers.Model, x *tensor.Tensor, record bool) (*tensor.Tensor, *layers.Tape, error) {
	return model.Forward(x, p.opts, record)
}

func (p *mixedPrecision) Backward(model *layers.Model, tape *layers.Tape, gradOut *tensor.Tensor) error {
	g := gradOut.Clone()
	tensor.RoundHalf(g.Data)
	return model.Backward(tape, g, p.opts)
}

func (p *mixedPrecision) Step(opt optimizer.Optimizer, params []*layers.Parameter, invScale float32) (bool, error) {
	return unscaleAndStep(opt, params, invScale)
}

// unscaleAndStep never calls the optimizer unless every unscaled gradient
// is finite, so a skipped step leaves parameters exactly as they were.
func unscaleAndStep(opt optimizer.Optimizer, params []*layers.Parameter, invScale float32) (bool, error) {
	for _, p := range params {
		if !tensor.AllFinite(p.Grad.Data) {
			return false, nil
		}
	}

	if invScale != 1 {
		for _, p := range params {
			g := p.Grad.Data
			blas32.Scal(invScale, blas32.Vector{N: len(g), Inc: 1, Data: g})
			// A scale below one can push large gradients past float32 range.
			if !tensor.AllFinite(g) {
				return false, nil
			}
		}
	}

	if err := opt.Step(); err != nil {
		return false, err
	}
	return true, nil
}
