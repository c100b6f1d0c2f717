package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-srcnn/tensor"
)

func createMockImageFile(t *testing.T, path string, size int, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 4), B: uint8(y * 4), A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func createTestDataset(t *testing.T, names []string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "train")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create split dir: %v", err)
	}
	for i, name := range names {
		createMockImageFile(t, filepath.Join(dir, name), 40, uint8(i*40))
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)
	return root
}

func TestNewSRFolderDataset(t *testing.T) {
	root := createTestDataset(t, []string{"c.png", "a.png", "B.PNG"})

	config := DefaultSRFolderConfig()
	config.PatchSize = 32
	ds, err := NewSRFolderDataset(root, "train", config)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	if ds.Len() != 3 {
		t.Fatalf("Expected 3 images, got %d", ds.Len())
	}
	want := []string{"B.PNG", "a.png", "c.png"}
	for i, p := range ds.Paths() {
		if filepath.Base(p) != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, filepath.Base(p))
		}
		if ds.Key(i) != p {
			t.Errorf("Expected key to be path %s, got %s", p, ds.Key(i))
		}
	}

	sample, err := ds.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tensor.SameShape(sample.LowRes, sample.HighRes) {
		t.Errorf("Expected aligned shapes, got %v and %v", sample.LowRes.Shape, sample.HighRes.Shape)
	}
	if sample.LowRes.Shape[1] != 32 {
		t.Errorf("Expected 32x32 patch, got %v", sample.LowRes.Shape)
	}

	if _, err := ds.Get(3); err == nil {
		t.Error("Expected error for out-of-range index")
	}
}

func TestSRFolderDatasetBorder(t *testing.T) {
	root := createTestDataset(t, []string{"a.png"})
	config := DefaultSRFolderConfig()
	config.PatchSize = 32
	config.Border = 6

	ds, err := NewSRFolderDataset(root, "train", config)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	sample, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sample.HighRes.Shape[1] != 20 || sample.LowRes.Shape[1] != 32 {
		t.Errorf("Expected 32 input and 20 target, got %v and %v", sample.LowRes.Shape, sample.HighRes.Shape)
	}

	config.Border = 16
	if _, err := NewSRFolderDataset(root, "train", config); err == nil {
		t.Error("Expected error for border consuming the patch")
	}
}

func TestSRFolderDatasetErrors(t *testing.T) {
	root := createTestDataset(t, []string{"a.png"})

	if _, err := NewSRFolderDataset(root, "val", DefaultSRFolderConfig()); err == nil {
		t.Error("Expected error for missing split directory")
	}

	empty := t.TempDir()
	os.MkdirAll(filepath.Join(empty, "train"), 0o755)
	if _, err := NewSRFolderDataset(empty, "train", DefaultSRFolderConfig()); err == nil {
		t.Error("Expected error for split without images")
	}

	// The 40px image cannot supply a 96px patch.
	ds, err := NewSRFolderDataset(root, "train", DefaultSRFolderConfig())
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	if _, err := ds.Get(0); err == nil {
		t.Error("Expected error for image smaller than the patch")
	}
}

func TestMemoryDataset(t *testing.T) {
	a, _ := tensor.Zeros([]int{1, 4, 4})
	b, _ := tensor.Zeros([]int{1, 4, 4})
	odd, _ := tensor.Zeros([]int{1, 5, 5})

	ds, err := NewMemoryDataset([]Sample{{LowRes: a, HighRes: b}, {LowRes: b, HighRes: a}})
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	if ds.Len() != 2 {
		t.Errorf("Expected 2 samples, got %d", ds.Len())
	}
	if ds.Key(0) == ds.Key(1) {
		t.Error("Expected distinct keys")
	}
	if _, err := ds.Get(2); err == nil {
		t.Error("Expected error for out-of-range index")
	}

	if _, err := NewMemoryDataset([]Sample{{LowRes: a, HighRes: b}, {LowRes: odd, HighRes: b}}); err == nil {
		t.Error("Expected error for mismatched shapes")
	}
	if _, err := NewMemoryDataset(nil); err == nil {
		t.Error("Expected error for empty dataset")
	}
}
