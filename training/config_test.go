package training

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultTrainerConfigIsValid(t *testing.T) {
	cfg := DefaultTrainerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}
	if cfg.GroupLearningRate() != 0.0001 {
		t.Errorf("Expected group rate 0.0001, got %v", cfg.GroupLearningRate())
	}
	if got := cfg.DefaultLearningRate(); got < 0.0000099 || got > 0.0000101 {
		t.Errorf("Expected default rate 0.00001, got %v", got)
	}
}

func TestTrainerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*TrainerConfig)
	}{
		{"scale factor", func(c *TrainerConfig) { c.ScaleFactor = 5 }},
		{"zero epochs", func(c *TrainerConfig) { c.Epochs = 0 }},
		{"negative batch", func(c *TrainerConfig) { c.BatchSize = -1 }},
		{"zero learning rate", func(c *TrainerConfig) { c.LearningRate = 0 }},
		{"zero peak", func(c *TrainerConfig) { c.PeakValue = 0 }},
		{"negative workers", func(c *TrainerConfig) { c.Workers = -2 }},
		{"patch below scale", func(c *TrainerConfig) { c.PatchSize = 2 }},
		{"precision", func(c *TrainerConfig) { c.Precision = "bfloat16" }},
		{"format", func(c *TrainerConfig) { c.Format = "onnx" }},
		{"output", func(c *TrainerConfig) { c.OutputDir = " " }},
		{"scaler", func(c *TrainerConfig) { c.LossScaler.BackoffFactor = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTrainerConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestTrainerConfigString(t *testing.T) {
	cfg := DefaultTrainerConfig()
	cfg.Seed = 4242
	s := cfg.String()
	for _, want := range []string{"seed=4242", "scale_factor=4", "batch_size=64"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %q in %s", want, s)
		}
	}
}
