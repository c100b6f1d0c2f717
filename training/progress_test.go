package training

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-srcnn/layers"
)

func TestProgressBar(t *testing.T) {
	var sb strings.Builder
	pb := NewProgressBar("Testing", 10)
	pb.SetOutput(&sb)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 - float64(i)*0.08, "scale": 65536})
	}
	pb.Finish()

	out := sb.String()
	if !strings.Contains(out, "Testing: 100%") {
		t.Errorf("Expected completed bar, got %q", out)
	}
	if !strings.Contains(out, "10/10") {
		t.Errorf("Expected 10/10, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Expected Finish to end the line")
	}
}

func TestProgressBarMetricOrder(t *testing.T) {
	pb := NewProgressBar("Epoch", 4)
	pb.current = 2
	pb.metrics = map[string]float64{"scale": 1024, "loss": 0.5, "psnr": 31.25}

	line := pb.line()
	loss := strings.Index(line, "loss=0.500000")
	psnr := strings.Index(line, "psnr=31.25dB")
	scale := strings.Index(line, "scale=1024")
	if loss < 0 || psnr < 0 || scale < 0 {
		t.Fatalf("Expected all metrics in %q", line)
	}
	if !(loss < psnr && psnr < scale) {
		t.Errorf("Expected metrics sorted by name, got %q", line)
	}
	if !strings.Contains(line, " 50%") {
		t.Errorf("Expected 50%% progress, got %q", line)
	}
}

func TestModelArchitecturePrinting(t *testing.T) {
	model, err := layers.NewSRCNN(layers.DefaultSRCNNConfig(), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}

	var sb strings.Builder
	NewModelArchitecturePrinter("SRCNN", &sb).PrintArchitecture(model.Spec)
	out := sb.String()

	for _, want := range []string{
		"(conv1): Conv2d(1, 64, kernel_size=(9, 9), stride=(1, 1), padding=(4, 4))",
		"(relu1): ReLU(inplace=True)",
		"(conv3): Conv2d(32, 1, kernel_size=(5, 5), stride=(1, 1), padding=(2, 2))",
		"Total parameters: 57.3K",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in architecture:\n%s", want, out)
		}
	}
}
