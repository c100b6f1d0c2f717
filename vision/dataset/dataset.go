package dataset

import (
	"fmt"

	"github.com/tsawler/go-srcnn/tensor"
)

// Sample is one aligned pair of [C, H, W] tensors. The high-resolution
// target may be smaller than the input when the network trims borders.
type Sample struct {
	LowRes  *tensor.Tensor
	HighRes *tensor.Tensor
}

// Dataset is a random-access source of samples.
type Dataset interface {
	Len() int
	Get(index int) (Sample, error)
	// Key identifies sample index for caching.
	Key(index int) string
}

// MemoryDataset serves samples held in memory.
type MemoryDataset struct {
	samples []Sample
}

// NewMemoryDataset wraps samples. All samples must share their shapes.
func NewMemoryDataset(samples []Sample) (*MemoryDataset, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples provided")
	}
	first := samples[0]
	if first.LowRes == nil || first.HighRes == nil {
		return nil, fmt.Errorf("sample 0 is incomplete")
	}
	for i, s := range samples {
		if s.LowRes == nil || s.HighRes == nil {
			return nil, fmt.Errorf("sample %d is incomplete", i)
		}
		if !tensor.SameShape(s.LowRes, first.LowRes) || !tensor.SameShape(s.HighRes, first.HighRes) {
			return nil, fmt.Errorf("sample %d has shapes %v/%v, want %v/%v",
				i, s.LowRes.Shape, s.HighRes.Shape, first.LowRes.Shape, first.HighRes.Shape)
		}
	}
	return &MemoryDataset{samples: samples}, nil
}

// Len returns the number of items in the dataset
func (d *MemoryDataset) Len() int {
	return len(d.samples)
}

// Get returns the sample at index.
func (d *MemoryDataset) Get(index int) (Sample, error) {
	if index < 0 || index >= len(d.samples) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	return d.samples[index], nil
}

func (d *MemoryDataset) Key(index int) string {
	return fmt.Sprintf("memory:%d", index)
}
