package optimizer

import (
	"github.com/tsawler/go-srcnn/layers"
)

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update using the current parameter gradients.
	Step() error

	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()

	// GetStepCount returns the number of applied steps.
	GetStepCount() uint64

	// UpdateLearningRate changes the default learning rate.
	UpdateLearningRate(lr float32)
}

// ParamGroup is a set of parameters sharing hyperparameters.
// A zero LearningRate selects the optimizer's default rate.
type ParamGroup struct {
	Name         string
	LearningRate float32
	Params       []*layers.Parameter
}

// GroupsFromModel converts model parameter groups, assigning lr to each.
func GroupsFromModel(groups []layers.ParameterGroup, lr float32) []ParamGroup {
	out := make([]ParamGroup, len(groups))
	for i, g := range groups {
		out[i] = ParamGroup{Name: g.Name, LearningRate: lr, Params: g.Params}
	}
	return out
}
