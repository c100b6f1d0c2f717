package engine

import (
	"fmt"
	"math"
)

// LossScalerConfig controls dynamic loss scaling.
type LossScalerConfig struct {
	InitScale      float32
	GrowthFactor   float32 // applied after GrowthInterval consecutive good steps
	BackoffFactor  float32 // applied on every skipped step
	GrowthInterval int
	MinScale       float32
	MaxScale       float32
	Dynamic        bool
}

// DefaultLossScalerConfig returns the usual half-precision settings.
func DefaultLossScalerConfig() LossScalerConfig {
	return LossScalerConfig{
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		MinScale:       1.0 / (1 << 24),
		MaxScale:       1 << 24,
		Dynamic:        true,
	}
}

// Validate checks that the policy keeps the scale positive and bounded.
func (c LossScalerConfig) Validate() error {
	if !(c.MinScale > 0) || math.IsInf(float64(c.MaxScale), 0) || c.MaxScale < c.MinScale {
		return fmt.Errorf("scale bounds must satisfy 0 < min <= max < Inf, got [%g, %g]", c.MinScale, c.MaxScale)
	}
	if c.InitScale < c.MinScale || c.InitScale > c.MaxScale {
		return fmt.Errorf("initial scale %g outside [%g, %g]", c.InitScale, c.MinScale, c.MaxScale)
	}
	if c.Dynamic {
		if !(c.GrowthFactor > 1) {
			return fmt.Errorf("growth factor must be > 1, got %g", c.GrowthFactor)
		}
		if !(c.BackoffFactor > 0 && c.BackoffFactor < 1) {
			return fmt.Errorf("backoff factor must be in (0, 1), got %g", c.BackoffFactor)
		}
		if c.GrowthInterval <= 0 {
			return fmt.Errorf("growth interval must be positive, got %d", c.GrowthInterval)
		}
	}
	return nil
}

// LossScaler owns the loss scale. Only Update mutates it.
type LossScaler struct {
	config LossScalerConfig
	scale  float32

	growthTracker int
	skippedSteps  int
	appliedSteps  int
	growths       int
	backoffs      int
}

// NewLossScaler creates a loss scaler from config.
func NewLossScaler(config LossScalerConfig) (*LossScaler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &LossScaler{config: config, scale: config.InitScale}, nil
}

// StaticLossScaler returns a scaler pinned at scale. It still counts skips.
func StaticLossScaler(scale float32) *LossScaler {
	return &LossScaler{
		config: LossScalerConfig{InitScale: scale, MinScale: scale, MaxScale: scale},
		scale:  scale,
	}
}

// Scale returns the current loss scale value.
func (s *LossScaler) Scale() float32 { return s.scale }

// InvScale returns the factor that removes the scale from gradients.
func (s *LossScaler) InvScale() float32 { return 1 / s.scale }

// ScaleLoss multiplies the loss by the current scale.
func (s *LossScaler) ScaleLoss(loss float64) float64 { return loss * float64(s.scale) }

// Dynamic reports whether the scale adapts to overflow.
func (s *LossScaler) Dynamic() bool { return s.config.Dynamic }

// Update adjusts the scale after a step. A skipped step backs off
// immediately and resets the growth counter; GrowthInterval consecutive
// applied steps grow the scale. The result is clamped to [MinScale, MaxScale].
func (s *LossScaler) Update(applied bool) {
	if !applied {
		s.skippedSteps++
		s.growthTracker = 0
		if !s.config.Dynamic {
			return
		}
		next := s.scale * s.config.BackoffFactor
		if next < s.config.MinScale {
			next = s.config.MinScale
		}
		if next < s.scale {
			s.backoffs++
		}
		s.scale = next
		return
	}

	s.appliedSteps++
	if !s.config.Dynamic {
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		s.growthTracker = 0
		next := s.scale * s.config.GrowthFactor
		if next > s.config.MaxScale {
			next = s.config.MaxScale
		}
		if next > s.scale {
			s.growths++
		}
		s.scale = next
	}
}

// LossScalerStats is a snapshot of scaler counters.
type LossScalerStats struct {
	Scale         float32
	Dynamic       bool
	AppliedSteps  int
	SkippedSteps  int
	Growths       int
	Backoffs      int
	GrowthTracker int
}

// Stats returns a snapshot of the scaler state.
func (s *LossScaler) Stats() LossScalerStats {
	return LossScalerStats{
		Scale:         s.scale,
		Dynamic:       s.config.Dynamic,
		AppliedSteps:  s.appliedSteps,
		SkippedSteps:  s.skippedSteps,
		Growths:       s.growths,
		Backoffs:      s.backoffs,
		GrowthTracker: s.growthTracker,
	}
}
