package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-srcnn/tensor"
	"github.com/tsawler/go-srcnn/vision/preprocessing"
)

// SRFolderConfig configures an SRFolderDataset.
type SRFolderConfig struct {
	PatchSize   int
	ScaleFactor int
	// Border is trimmed from each edge of the target so it lines up with a
	// network that does not pad its convolutions.
	Border     int
	Extensions []string
}

// DefaultSRFolderConfig returns the default patch configuration.
func DefaultSRFolderConfig() SRFolderConfig {
	return SRFolderConfig{
		PatchSize:   96,
		ScaleFactor: 2,
		Extensions:  []string{".png", ".jpg", ".jpeg", ".bmp", ".gif"},
	}
}

// SRFolderDataset serves super-resolution pairs built from the images in
// <root>/<split>. Files are ordered by name.
type SRFolderDataset struct {
	dir       string
	split     string
	paths     []string
	border    int
	processor *preprocessing.ImageProcessor
}

// NewSRFolderDataset enumerates the images of one split.
func NewSRFolderDataset(root, split string, config SRFolderConfig) (*SRFolderDataset, error) {
	processor, err := preprocessing.NewImageProcessor(config.PatchSize, config.ScaleFactor)
	if err != nil {
		return nil, err
	}
	if config.Border < 0 || 2*config.Border >= processor.PatchSize() {
		return nil, fmt.Errorf("border %d leaves no target for patch %d", config.Border, processor.PatchSize())
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultSRFolderConfig().Extensions
	}

	dir := filepath.Join(root, split)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s split: %w", split, err)
	}

	allowed := make(map[string]bool, len(config.Extensions))
	for _, ext := range config.Extensions {
		allowed[strings.ToLower(ext)] = true
	}

	d := &SRFolderDataset{
		dir:       dir,
		split:     split,
		border:    config.Border,
		processor: processor,
	}
	for _, e := range entries {
		if e.IsDir() || !allowed[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		d.paths = append(d.paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(d.paths)

	if len(d.paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	return d, nil
}

// Len returns the number of items in the dataset
func (d *SRFolderDataset) Len() int {
	return len(d.paths)
}

// Get decodes image index and builds its sample.
func (d *SRFolderDataset) Get(index int) (Sample, error) {
	if index < 0 || index >= len(d.paths) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.paths))
	}

	pair, err := d.processor.ProcessFile(d.paths[index])
	if err != nil {
		return Sample{}, err
	}

	target := pair.HighRes
	if d.border > 0 {
		target, err = tensor.CenterCrop(target, d.border)
		if err != nil {
			return Sample{}, fmt.Errorf("%s: %w", d.paths[index], err)
		}
	}
	return Sample{LowRes: pair.LowRes, HighRes: target}, nil
}

// Key returns the image path of index.
func (d *SRFolderDataset) Key(index int) string {
	return d.paths[index]
}

// Paths returns the image files in dataset order.
func (d *SRFolderDataset) Paths() []string {
	return d.paths
}

// PatchSize returns the effective input patch size.
func (d *SRFolderDataset) PatchSize() int {
	return d.processor.PatchSize()
}

func (d *SRFolderDataset) String() string {
	return fmt.Sprintf("SRFolderDataset(%s: %d images, patch %d, x%d, border %d)",
		d.split, len(d.paths), d.processor.PatchSize(), d.processor.ScaleFactor(), d.border)
}
