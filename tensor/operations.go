package tensor

import (
	"fmt"
)

// CenterCrop removes border pixels from each spatial edge of a
// [C, H, W] or [N, C, H, W] tensor.
func CenterCrop(t *Tensor, border int) (*Tensor, error) {
	if border < 0 {
		return nil, fmt.Errorf("crop border must be non-negative, got %d", border)
	}
	if border == 0 {
		return t, nil
	}

	rank := len(t.Shape)
	if rank != 3 && rank != 4 {
		return nil, fmt.Errorf("center crop requires a 3D or 4D tensor, got shape %v", t.Shape)
	}

	h, w := t.Shape[rank-2], t.Shape[rank-1]
	outH, outW := h-2*border, w-2*border
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("crop border %d too large for %dx%d plane", border, h, w)
	}

	planes := t.NumElems / (h * w)
	shape := make([]int, rank)
	copy(shape, t.Shape)
	shape[rank-2], shape[rank-1] = outH, outW

	out, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for p := 0; p < planes; p++ {
		src := t.Data[p*h*w:]
		dst := out.Data[p*outH*outW:]
		for y := 0; y < outH; y++ {
			copy(dst[y*outW:(y+1)*outW], src[(y+border)*w+border:(y+border)*w+border+outW])
		}
	}

	return out, nil
}

// Sample returns a view of the i-th entry along the leading dimension.
func (t *Tensor) Sample(i int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("sample view requires a batched tensor, got shape %v", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, t.Shape[0])
	}

	size := t.NumElems / t.Shape[0]
	return NewTensor(t.Shape[1:], t.Data[i*size:(i+1)*size])
}
