package monitor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tsawler/go-srcnn/checkpoints"
	"github.com/tsawler/go-srcnn/training"
)

type fakeSource struct {
	status    training.Status
	collector *training.VisualizationCollector
}

func (f *fakeSource) Status() training.Status { return f.status }

func (f *fakeSource) History() []training.EpochRecord { return f.collector.History() }

func (f *fakeSource) Collector() *training.VisualizationCollector { return f.collector }

func newFakeSource() *fakeSource {
	c := training.NewVisualizationCollector("SRCNN")
	c.RecordEpoch(training.EpochRecord{Epoch: 0, TrainLoss: 0.02, ValLoss: 0.01, ValPSNR: 20, BestImproved: true})
	c.RecordEpoch(training.EpochRecord{Epoch: 1, TrainLoss: 0.01, ValLoss: 0.009, ValPSNR: 20.5})
	return &fakeSource{
		status: training.Status{
			State:     training.StateTraining,
			Epoch:     2,
			Epochs:    10,
			LastPSNR:  20.5,
			BestPSNR:  20.5,
			LastLoss:  checkpoints.Metric(math.NaN()),
			BestEpoch: 1,
			LossScale: 32768,
		},
		collector: c,
	}
}

func serve(t *testing.T, src Source, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	NewRouter(src).ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	rec := serve(t, newFakeSource(), "GET", "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var got training.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if got.State != training.StateTraining || got.Epoch != 2 || got.BestEpoch != 1 {
		t.Errorf("Unexpected status %+v", got)
	}
	if !math.IsNaN(float64(got.LastLoss)) {
		t.Errorf("Expected NaN last loss, got %v", got.LastLoss)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	rec := serve(t, newFakeSource(), "GET", "/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var got []training.EpochRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(got) != 2 || got[1].ValPSNR != 20.5 {
		t.Errorf("Unexpected history %+v", got)
	}

	empty := &fakeSource{collector: training.NewVisualizationCollector("SRCNN")}
	rec = serve(t, empty, "GET", "/history")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("Expected empty JSON array, got %s", rec.Body)
	}
}

func TestPlotEndpoint(t *testing.T) {
	for _, metric := range []string{"loss", "psnr"} {
		rec := serve(t, newFakeSource(), "GET", "/plots/"+metric+".svg")
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200 for %s, got %d: %s", metric, rec.Code, rec.Body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
			t.Errorf("Expected image/svg+xml, got %s", ct)
		}
		if !strings.Contains(rec.Body.String(), "<svg") {
			t.Errorf("Expected SVG body for %s", metric)
		}
	}

	if rec := serve(t, newFakeSource(), "GET", "/plots/accuracy.svg"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown metric, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	if rec := serve(t, newFakeSource(), "POST", "/status"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	s, err := Start("127.0.0.1:0", newFakeSource())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
