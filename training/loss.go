package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-srcnn/tensor"
)

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

// Loss computes L = (1/N) * sum((y_pred - y_true)^2), accumulated in float64.
func (mse *MSELoss) Loss(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p) - float64(target.Data[i])
		sum += d * d
	}
	return sum / float64(predicted.NumElems), nil
}

// Gradient returns scale * dL/dy_pred = scale * 2 * (y_pred - y_true) / N.
func (mse *MSELoss) Gradient(predicted, target *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	if err := checkPair(predicted, target); err != nil {
		return nil, err
	}
	grad, err := tensor.Zeros(predicted.Shape)
	if err != nil {
		return nil, err
	}
	k := 2 * float64(scale) / float64(predicted.NumElems)
	for i, p := range predicted.Data {
		grad.Data[i] = float32(k * (float64(p) - float64(target.Data[i])))
	}
	return grad, nil
}

func checkPair(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return fmt.Errorf("predicted and target tensors are required")
	}
	if !tensor.SameShape(predicted, target) {
		return fmt.Errorf("predicted %v and target %v tensors must have the same shape", predicted.Shape, target.Shape)
	}
	if predicted.NumElems == 0 {
		return fmt.Errorf("loss of an empty tensor is undefined")
	}
	return nil
}

// PSNR converts a mean squared error into peak signal-to-noise ratio in dB
// for signals in [0, peak]. A zero error is +Inf.
func PSNR(mse, peak float64) float64 {
	if mse == 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(peak*peak/mse)
}
