package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-srcnn/checkpoints"
	"github.com/tsawler/go-srcnn/layers"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string
	Format        checkpoints.CheckpointFormat
	ScaleFactor   int
	Architecture  string
}

// CheckpointResult reports what an end-of-epoch save wrote.
type CheckpointResult struct {
	EpochPath string
	BestPath  string // empty unless the best snapshot was replaced
	Improved  bool
}

// CheckpointManager writes one snapshot per epoch and keeps a single best
// snapshot, replaced only on strict improvement of the validation PSNR.
type CheckpointManager struct {
	config   CheckpointConfig
	model    *layers.Model
	saver    *checkpoints.CheckpointSaver
	bestPSNR float64
	best     int // epoch of the best snapshot, -1 before the first
}

// NewCheckpointManager creates a manager whose best metric starts at -Inf.
func NewCheckpointManager(model *layers.Model, config CheckpointConfig) *CheckpointManager {
	if config.Architecture == "" {
		config.Architecture = "srcnn"
	}
	return &CheckpointManager{
		config:   config,
		model:    model,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		bestPSNR: math.Inf(-1),
		best:     -1,
	}
}

// EpochPath returns the file written for epoch.
func (cm *CheckpointManager) EpochPath(epoch int) string {
	return filepath.Join(cm.config.SaveDirectory, fmt.Sprintf("model_%d.%s", epoch, cm.config.Format.Extension()))
}

// BestPath returns the file holding the best snapshot for the scale factor.
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, fmt.Sprintf("srcnn_X%d.%s", cm.config.ScaleFactor, cm.config.Format.Extension()))
}

// BestMetric returns the best PSNR seen so far and the epoch it came from.
func (cm *CheckpointManager) BestMetric() (float64, int) {
	return cm.bestPSNR, cm.best
}

// SaveEpoch persists the current parameters for epoch unconditionally and,
// when psnr strictly exceeds every previous epoch, replaces the best
// snapshot. Ties and NaN never replace it.
func (cm *CheckpointManager) SaveEpoch(epoch int, psnr float64) (CheckpointResult, error) {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0755); err != nil {
		return CheckpointResult{}, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	result := CheckpointResult{EpochPath: cm.EpochPath(epoch)}
	ckpt := cm.snapshot(epoch, psnr, fmt.Sprintf("Epoch %d", epoch))
	if err := cm.saver.SaveCheckpoint(ckpt, result.EpochPath); err != nil {
		return CheckpointResult{}, fmt.Errorf("failed to save epoch checkpoint: %w", err)
	}

	if !(psnr > cm.bestPSNR) {
		return result, nil
	}

	ckpt.Metadata.Description = fmt.Sprintf("Best checkpoint - PSNR: %.2f dB", psnr)
	if err := cm.saver.SaveCheckpoint(ckpt, cm.BestPath()); err != nil {
		return result, fmt.Errorf("failed to save best checkpoint: %w", err)
	}
	klog.V(1).Infof("best PSNR improved from %.2f to %.2f dB at epoch %d", cm.bestPSNR, psnr, epoch)
	cm.bestPSNR = psnr
	cm.best = epoch
	result.BestPath = cm.BestPath()
	result.Improved = true
	return result, nil
}

// LoadCheckpoint restores model parameters from path in either format.
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	return LoadModelWeights(cm.model, path)
}

// LoadModelWeights reads a snapshot from path and copies it into model.
func LoadModelWeights(model *layers.Model, path string) (*checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := checkpoints.LoadWeights(model, ckpt); err != nil {
		return nil, fmt.Errorf("failed to restore weights from %s: %w", path, err)
	}
	return ckpt, nil
}

func (cm *CheckpointManager) snapshot(epoch int, psnr float64, description string) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(cm.model),
		Metadata: checkpoints.CheckpointMetadata{
			FormatVersion: checkpoints.FormatVersion,
			Framework:     checkpoints.Framework,
			Architecture:  cm.config.Architecture,
			ScaleFactor:   cm.config.ScaleFactor,
			Epoch:         epoch,
			PSNR:          checkpoints.Metric(psnr),
			CreatedAt:     time.Now(),
			Description:   description,
		},
	}
}
