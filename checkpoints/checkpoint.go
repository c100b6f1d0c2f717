package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tsawler/go-srcnn/layers"
)

// FormatVersion is the snapshot layout written by this package.
const FormatVersion = 1

// Framework identifies snapshots written by this module.
const Framework = "go-srcnn"

var (
	// ErrUnsupportedVersion is returned for snapshots newer than FormatVersion.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint format version")
	// ErrBadMagic is returned when a binary snapshot lacks the file header.
	ErrBadMagic = errors.New("not a binary checkpoint")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatBinary CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatBinary:
		return "binary"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return "json"
	default:
		return "ckpt"
	}
}

// ParseFormat maps a format name to a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "binary", "ckpt":
		return FormatBinary, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q (want binary or json)", name)
	}
}

// Checkpoint is a snapshot of model parameters. Optimizer and loss scale
// state are not part of it.
type Checkpoint struct {
	Weights  []WeightTensor     `json:"weights"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	FormatVersion int       `json:"format_version"`
	Framework     string    `json:"framework"`
	Architecture  string    `json:"architecture"`
	ScaleFactor   int       `json:"scale_factor"`
	Epoch         int       `json:"epoch"`
	PSNR          Metric    `json:"psnr"`
	CreatedAt     time.Time `json:"created_at"`
	Description   string    `json:"description,omitempty"`
}

// Metric is a float64 that survives JSON even when infinite.
type Metric float64

func (m Metric) MarshalJSON() ([]byte, error) {
	f := float64(m)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return json.Marshal(f)
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*m = Metric(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Metric(f)
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format the saver writes.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path, replacing any existing file
// atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	checkpoint.Metadata.FormatVersion = FormatVersion

	var data []byte
	var err error
	switch cs.format {
	case FormatBinary:
		data, err = MarshalBinary(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}

	switch cs.format {
	case FormatBinary:
		return UnmarshalBinary(data)
	case FormatJSON:
		return decodeJSON(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// LoadFile loads a checkpoint of either format, detected from its content.
func LoadFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	if bytes.HasPrefix(data, []byte(magic)) {
		return UnmarshalBinary(data)
	}
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeJSON(data)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrBadMagic)
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	if checkpoint.Metadata.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, checkpoint.Metadata.FormatVersion)
	}
	return &checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %v", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %v", err)
	}
	return nil
}

// ExtractWeights copies every model parameter into a WeightTensor.
func ExtractWeights(model *layers.Model) []WeightTensor {
	params := model.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint weights into model. Every model parameter
// must be present with a matching shape, and no unknown tensors may remain.
// The model is left untouched when validation fails.
func LoadWeights(model *layers.Model, checkpoint *Checkpoint) error {
	byName := make(map[string]*WeightTensor, len(checkpoint.Weights))
	for i := range checkpoint.Weights {
		w := &checkpoint.Weights[i]
		if _, dup := byName[w.Name]; dup {
			return fmt.Errorf("checkpoint contains %s twice", w.Name)
		}
		byName[w.Name] = w
	}

	params := model.Parameters()
	if len(params) != len(byName) {
		return fmt.Errorf("checkpoint has %d tensors, model has %d parameters", len(byName), len(params))
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing %s", p.Name)
		}
		if !sameShape(w.Shape, p.Value.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v, model %v", p.Name, w.Shape, p.Value.Shape)
		}
		if len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("%s has %d values, want %d", p.Name, len(w.Data), len(p.Value.Data))
		}
	}

	for _, p := range params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
