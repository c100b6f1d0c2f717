package layers

import (
	"fmt"
	"math/rand"
)

// SRCNNConfig describes the three-layer super-resolution network.
type SRCNNConfig struct {
	Channels  int // image channels; 1 for luminance
	PatchSize int // nominal spatial size used to compile the spec
	Filters   [2]int
	Kernels   [3]int
	InitStd   float64
}

// DefaultSRCNNConfig returns the 9-5-5 network with 64 and 32 filters.
func DefaultSRCNNConfig() SRCNNConfig {
	return SRCNNConfig{
		Channels:  1,
		PatchSize: 33,
		Filters:   [2]int{64, 32},
		Kernels:   [3]int{9, 5, 5},
		InitStd:   DefaultInitStd,
	}
}

// SRCNNSpec compiles the layer configuration. Every convolution uses
// same-padding so the reconstruction has the input's spatial size.
func SRCNNSpec(cfg SRCNNConfig) (*ModelSpec, error) {
	if cfg.Channels <= 0 || cfg.PatchSize <= 0 {
		return nil, fmt.Errorf("invalid SRCNN config: channels=%d patch=%d", cfg.Channels, cfg.PatchSize)
	}
	for i, k := range cfg.Kernels {
		if k <= 0 || k%2 == 0 {
			return nil, fmt.Errorf("kernel %d must be a positive odd size, got %d", i+1, k)
		}
	}

	builder := NewModelBuilder([]int{1, cfg.Channels, cfg.PatchSize, cfg.PatchSize})
	builder.
		AddConv2D(cfg.Filters[0], cfg.Kernels[0], 1, cfg.Kernels[0]/2, true, "conv1").
		AddReLU("relu1").
		AddConv2D(cfg.Filters[1], cfg.Kernels[1], 1, cfg.Kernels[1]/2, true, "conv2").
		AddReLU("relu2").
		AddConv2D(cfg.Channels, cfg.Kernels[2], 1, cfg.Kernels[2]/2, true, "conv3")

	if cfg.InitStd > 0 {
		for i := range builder.layers {
			if builder.layers[i].Type == Conv2D {
				builder.layers[i].Parameters["init_std"] = cfg.InitStd
			}
		}
	}

	return builder.Compile()
}

// NewSRCNN builds an executable SRCNN with weights drawn from rng.
func NewSRCNN(cfg SRCNNConfig, rng *rand.Rand) (*Model, error) {
	spec, err := SRCNNSpec(cfg)
	if err != nil {
		return nil, err
	}
	return NewModel(spec, rng)
}
