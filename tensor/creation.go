package tensor

import (
	"fmt"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeroed storage.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Full allocates a tensor with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	t.Fill(value)
	return t, nil
}

// Stack joins equally shaped tensors along a new leading batch dimension.
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack an empty tensor list")
	}

	first := tensors[0]
	shape := append([]int{len(tensors)}, first.Shape...)
	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i, t := range tensors {
		if !SameShape(first, t) {
			return nil, fmt.Errorf("shape mismatch at index %d: %v vs %v", i, t.Shape, first.Shape)
		}
		copy(out.Data[i*first.NumElems:(i+1)*first.NumElems], t.Data)
	}

	return out, nil
}
