package layers

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-srcnn/memory"
	"github.com/tsawler/go-srcnn/tensor"
)

// Parameter is a trainable tensor together with its accumulated gradient.
type Parameter struct {
	Name  string // "<layer>.<kind>", e.g. "conv1.weight"
	Layer string
	Kind  string // "weight" or "bias"
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// ParameterGroup is a named, disjoint subset of the model's parameters
// that an optimizer can configure independently.
type ParameterGroup struct {
	Name   string
	Params []*Parameter
}

// ComputeOptions carries the execution strategy into layer kernels.
type ComputeOptions struct {
	// Round, when set, is applied to every activation, working weight copy
	// and activation gradient, emulating reduced-precision storage.
	Round func([]float32)

	// Workers is the number of goroutines sharing the samples of a batch.
	Workers int

	// Pool supplies scratch buffers; the global pool is used when nil.
	Pool *memory.BufferPool
}

func (o ComputeOptions) workers(n int) int {
	w := o.Workers
	if w <= 0 {
		w = 1
	}
	if w > n {
		w = n
	}
	return w
}

func (o ComputeOptions) pool() *memory.BufferPool {
	if o.Pool != nil {
		return o.Pool
	}
	return memory.GetGlobalBufferPool()
}

func (o ComputeOptions) round(data []float32) {
	if o.Round != nil {
		o.Round(data)
	}
}

// Layer is an executable layer.
type Layer interface {
	Name() string
	Type() LayerType
	Forward(x *tensor.Tensor, opts ComputeOptions) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients for the given input and
	// output gradient. The input gradient is only computed when
	// needInputGrad is set; otherwise nil is returned.
	Backward(x, gradY *tensor.Tensor, opts ComputeOptions, needInputGrad bool) (*tensor.Tensor, error)
	Parameters() []*Parameter
}

// Tape records layer inputs of a forward pass for the backward pass.
type Tape struct {
	inputs []*tensor.Tensor
	Output *tensor.Tensor
}

// Model is an executable network built from a compiled ModelSpec.
type Model struct {
	Spec   *ModelSpec
	layers []Layer
	groups []ParameterGroup
}

// NewModel instantiates the layers of spec, drawing initial weights from rng.
func NewModel(spec *ModelSpec, rng *rand.Rand) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	m := &Model{Spec: spec}
	for i, ls := range spec.Layers {
		switch ls.Type {
		case Conv2D:
			conv, err := newConv2DLayer(ls, rng)
			if err != nil {
				return nil, fmt.Errorf("failed to build layer %d (%s): %v", i, ls.Name, err)
			}
			m.layers = append(m.layers, conv)
			m.groups = append(m.groups, ParameterGroup{Name: ls.Name, Params: conv.Parameters()})
		case ReLU:
			m.layers = append(m.layers, &reluLayer{name: ls.Name})
		default:
			return nil, fmt.Errorf("unsupported layer type %s for layer %s", ls.Type, ls.Name)
		}
	}

	return m, nil
}

// ParameterGroups returns one group per parameterised layer, in layer order.
func (m *Model) ParameterGroups() []ParameterGroup {
	return m.groups
}

// Parameters returns every parameter in layer order.
func (m *Model) Parameters() []*Parameter {
	var params []*Parameter
	for _, g := range m.groups {
		params = append(params, g.Params...)
	}
	return params
}

// ZeroGrad clears all accumulated gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.Grad.Fill(0)
	}
}

// Layers returns the executable layers.
func (m *Model) Layers() []Layer {
	return m.layers
}

// Forward runs the network on a [N, C, H, W] batch. When record is set the
// returned tape can be passed to Backward.
func (m *Model) Forward(x *tensor.Tensor, opts ComputeOptions, record bool) (*tensor.Tensor, *Tape, error) {
	_, c, _, _, err := x.Dims4()
	if err != nil {
		return nil, nil, err
	}
	if want := m.Spec.InputShape[1]; c != want {
		return nil, nil, fmt.Errorf("input has %d channels, model expects %d", c, want)
	}

	cur := x
	if opts.Round != nil {
		cur = x.Clone()
		opts.Round(cur.Data)
	}

	var tape *Tape
	if record {
		tape = &Tape{inputs: make([]*tensor.Tensor, len(m.layers))}
	}

	for i, layer := range m.layers {
		if record {
			tape.inputs[i] = cur
		}
		cur, err = layer.Forward(cur, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %s forward failed: %v", layer.Name(), err)
		}
	}

	if record {
		tape.Output = cur
	}
	return cur, tape, nil
}

// Backward propagates gradOut through the recorded pass, accumulating
// into every parameter's Grad.
func (m *Model) Backward(tape *Tape, gradOut *tensor.Tensor, opts ComputeOptions) error {
	if tape == nil || len(tape.inputs) != len(m.layers) {
		return fmt.Errorf("backward requires a tape recorded by this model")
	}
	if !tensor.SameShape(tape.Output, gradOut) {
		return fmt.Errorf("output gradient shape %v does not match output %v", gradOut.Shape, tape.Output.Shape)
	}

	grad := gradOut
	for i := len(m.layers) - 1; i >= 0; i-- {
		var err error
		grad, err = m.layers[i].Backward(tape.inputs[i], grad, opts, i > 0)
		if err != nil {
			return fmt.Errorf("layer %s backward failed: %v", m.layers[i].Name(), err)
		}
	}
	return nil
}

// parallelSamples runs fn for every sample index. Sample i is handled by
// worker i%workers, so per-worker accumulation order is fixed.
func parallelSamples(n, workers int, fn func(worker, sample int) error) error {
	if workers <= 1 {
		for s := 0; s < n; s++ {
			if err := fn(0, s); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for s := w; s < n; s += workers {
				if err := fn(w, s); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DefaultInitStd is the standard deviation of the zero-mean normal
// distribution convolution weights are drawn from. Biases start at zero.
const DefaultInitStd = 0.001

func normalInit(data []float32, std float64, rng *rand.Rand) {
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}
