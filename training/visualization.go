package training

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-srcnn/checkpoints"
)

// PlotMetric names a plottable epoch series.
type PlotMetric string

const (
	PlotLoss PlotMetric = "loss"
	PlotPSNR PlotMetric = "psnr"
)

// ParsePlotMetric maps a metric name to a PlotMetric.
func ParsePlotMetric(name string) (PlotMetric, error) {
	switch PlotMetric(name) {
	case PlotLoss, PlotPSNR:
		return PlotMetric(name), nil
	default:
		return "", fmt.Errorf("unknown plot metric %q", name)
	}
}

// EpochRecord is the per-epoch history entry.
type EpochRecord struct {
	Epoch        int                `json:"epoch"`
	TrainLoss    checkpoints.Metric `json:"train_loss"`
	ValLoss      checkpoints.Metric `json:"val_loss"`
	ValPSNR      checkpoints.Metric `json:"val_psnr"`
	SkippedSteps int                `json:"skipped_steps"`
	LossScale    float32            `json:"loss_scale"`
	BestImproved bool               `json:"best_improved"`
	Duration     time.Duration      `json:"duration_ns"`
}

// VisualizationCollector handles data collection for plotting. It is safe
// for concurrent use so a monitor can read while training appends.
type VisualizationCollector struct {
	modelName string
	mu        sync.RWMutex
	records   []EpochRecord
}

// NewVisualizationCollector creates a collector for modelName.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch appends one epoch to the history.
func (vc *VisualizationCollector) RecordEpoch(record EpochRecord) {
	vc.mu.Lock()
	vc.records = append(vc.records, record)
	vc.mu.Unlock()
}

// History returns a copy of the recorded epochs.
func (vc *VisualizationCollector) History() []EpochRecord {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return append([]EpochRecord(nil), vc.records...)
}

// Clear drops the recorded history.
func (vc *VisualizationCollector) Clear() {
	vc.mu.Lock()
	vc.records = nil
	vc.mu.Unlock()
}

// Plot builds a line plot of metric against epoch. Non-finite values,
// such as the infinite PSNR of a perfect reconstruction, are left out.
func (vc *VisualizationCollector) Plot(metric PlotMetric) (*plot.Plot, error) {
	history := vc.History()

	p := plot.New()
	p.X.Label.Text = "Epoch"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	type series struct {
		name  string
		value func(EpochRecord) float64
	}
	var lines []series
	switch metric {
	case PlotLoss:
		p.Title.Text = vc.modelName + " loss"
		p.Y.Label.Text = "MSE"
		lines = []series{
			{"train", func(r EpochRecord) float64 { return float64(r.TrainLoss) }},
			{"validation", func(r EpochRecord) float64 { return float64(r.ValLoss) }},
		}
	case PlotPSNR:
		p.Title.Text = vc.modelName + " validation PSNR"
		p.Y.Label.Text = "dB"
		lines = []series{
			{"psnr", func(r EpochRecord) float64 { return float64(r.ValPSNR) }},
		}
	default:
		return nil, fmt.Errorf("unknown plot metric %q", metric)
	}

	for i, s := range lines {
		pts := make(plotter.XYs, 0, len(history))
		for _, r := range history {
			y := s.value(r)
			if math.IsInf(y, 0) || math.IsNaN(y) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(r.Epoch), Y: y})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s series: %v", s.name, err)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	return p, nil
}

// RenderPlot writes the metric plot to w in format (svg, png, pdf).
func (vc *VisualizationCollector) RenderPlot(w io.Writer, metric PlotMetric, format string) error {
	p, err := vc.Plot(metric)
	if err != nil {
		return err
	}
	writer, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("failed to render plot: %v", err)
	}
	_, err = writer.WriteTo(w)
	return err
}

// WritePlot saves the metric plot to path; the extension picks the format.
func (vc *VisualizationCollector) WritePlot(path string, metric PlotMetric) error {
	p, err := vc.Plot(metric)
	if err != nil {
		return err
	}
	if filepath.Ext(path) == "" {
		return fmt.Errorf("plot path %s has no extension", path)
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
