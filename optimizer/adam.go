package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-srcnn/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32 // default rate for groups without their own
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

type adamSlot struct {
	param    *layers.Parameter
	momentum []float32
	variance []float32
}

type adamGroup struct {
	name         string
	learningRate float32
	slots        []adamSlot
}

// Adam implements Adam with per-group learning rates and bias correction.
// Moment estimates live in memory only.
type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32

	StepCount uint64

	groups []adamGroup
}

// NewAdam creates an Adam optimizer over the given groups. Groups must be
// non-empty and must not share parameters.
func NewAdam(config AdamConfig, groups []ParamGroup) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}

	adam := &Adam{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		groups:       make([]adamGroup, 0, len(groups)),
	}

	seen := make(map[*layers.Parameter]string)
	for _, g := range groups {
		if g.LearningRate < 0 {
			return nil, fmt.Errorf("group %s has negative learning rate %g", g.Name, g.LearningRate)
		}
		ag := adamGroup{name: g.Name, learningRate: g.LearningRate}
		for _, p := range g.Params {
			if other, dup := seen[p]; dup {
				return nil, fmt.Errorf("parameter %s is in groups %s and %s", p.Name, other, g.Name)
			}
			seen[p] = g.Name
			n := len(p.Value.Data)
			ag.slots = append(ag.slots, adamSlot{
				param:    p,
				momentum: make([]float32, n),
				variance: make([]float32, n),
			})
		}
		adam.groups = append(adam.groups, ag)
	}

	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *Adam) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(float64(adam.Beta1), t)
	bc2 := 1 - math.Pow(float64(adam.Beta2), t)
	sqrtBC2 := float32(math.Sqrt(bc2))

	for gi := range adam.groups {
		g := &adam.groups[gi]
		stepSize := float32(float64(adam.groupRate(g)) / bc1)

		for _, slot := range g.slots {
			w := slot.param.Value.Data
			grad := slot.param.Grad.Data
			if len(grad) != len(w) {
				return fmt.Errorf("gradient of %s has %d elements, want %d", slot.param.Name, len(grad), len(w))
			}

			n := len(w)
			if adam.WeightDecay != 0 {
				// L2 penalty, applied to a copy so Grad stays the raw gradient.
				decayed := make([]float32, n)
				copy(decayed, grad)
				blas32.Axpy(adam.WeightDecay, blas32.Vector{N: n, Inc: 1, Data: w}, blas32.Vector{N: n, Inc: 1, Data: decayed})
				grad = decayed
			}
			m := blas32.Vector{N: n, Inc: 1, Data: slot.momentum}
			gv := blas32.Vector{N: n, Inc: 1, Data: grad}

			// m = beta1*m + (1-beta1)*g
			blas32.Scal(adam.Beta1, m)
			blas32.Axpy(1-adam.Beta1, gv, m)

			v := slot.variance
			for i, gr := range grad {
				v[i] = adam.Beta2*v[i] + (1-adam.Beta2)*gr*gr
				denom := float32(math.Sqrt(float64(v[i])))/sqrtBC2 + adam.Epsilon
				w[i] -= stepSize * slot.momentum[i] / denom
			}
		}
	}

	return nil
}

func (adam *Adam) groupRate(g *adamGroup) float32 {
	if g.learningRate > 0 {
		return g.learningRate
	}
	return adam.LearningRate
}

// ZeroGrad clears the gradients of every managed parameter.
func (adam *Adam) ZeroGrad() {
	for _, g := range adam.groups {
		for _, slot := range g.slots {
			slot.param.Grad.Fill(0)
		}
	}
}

// UpdateLearningRate updates the default learning rate
func (adam *Adam) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// SetGroupLearningRate overrides the rate of one group. A zero rate makes
// the group follow the default again.
func (adam *Adam) SetGroupLearningRate(name string, lr float32) error {
	for i := range adam.groups {
		if adam.groups[i].name == name {
			adam.groups[i].learningRate = lr
			return nil
		}
	}
	return fmt.Errorf("unknown parameter group %q", name)
}

// GroupLearningRates returns the effective learning rate of each group.
func (adam *Adam) GroupLearningRates() map[string]float32 {
	rates := make(map[string]float32, len(adam.groups))
	for i := range adam.groups {
		rates[adam.groups[i].name] = adam.groupRate(&adam.groups[i])
	}
	return rates
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.StepCount
}

// Stats returns optimizer statistics
func (adam *Adam) Stats() AdamStats {
	stats := AdamStats{
		StepCount:    adam.StepCount,
		LearningRate: adam.LearningRate,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		WeightDecay:  adam.WeightDecay,
		NumGroups:    len(adam.groups),
	}
	for _, g := range adam.groups {
		stats.NumParameters += len(g.slots)
		for _, slot := range g.slots {
			stats.TotalStateSize += 2 * len(slot.momentum)
		}
	}
	return stats
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount      uint64
	LearningRate   float32
	Beta1          float32
	Beta2          float32
	Epsilon        float32
	WeightDecay    float32
	NumGroups      int
	NumParameters  int
	TotalStateSize int // float32 elements held for moments
}
