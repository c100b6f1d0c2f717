package layers

import (
	"fmt"

	"github.com/tsawler/go-srcnn/tensor"
)

type reluLayer struct {
	name string
}

func (l *reluLayer) Name() string             { return l.name }
func (l *reluLayer) Type() LayerType          { return ReLU }
func (l *reluLayer) Parameters() []*Parameter { return nil }

func (l *reluLayer) Forward(x *tensor.Tensor, _ ComputeOptions) (*tensor.Tensor, error) {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// Backward passes the gradient through where the input was positive.
func (l *reluLayer) Backward(x, gradY *tensor.Tensor, _ ComputeOptions, needInputGrad bool) (*tensor.Tensor, error) {
	if !needInputGrad {
		return nil, nil
	}
	if !tensor.SameShape(x, gradY) {
		return nil, fmt.Errorf("gradient shape %v does not match input %v", gradY.Shape, x.Shape)
	}
	gradX := gradY.Clone()
	for i, v := range x.Data {
		if v <= 0 {
			gradX.Data[i] = 0
		}
	}
	return gradX, nil
}
