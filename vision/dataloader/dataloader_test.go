package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/tsawler/go-srcnn/tensor"
	"github.com/tsawler/go-srcnn/vision/dataset"
)

// MockDataset labels every sample with its index and counts loads.
type MockDataset struct {
	n      int
	loads  atomic.Int64
	failAt int
}

func NewMockDataset(n int) *MockDataset {
	return &MockDataset{n: n, failAt: -1}
}

func (md *MockDataset) Len() int { return md.n }

func (md *MockDataset) Get(index int) (dataset.Sample, error) {
	md.loads.Add(1)
	if index == md.failAt {
		return dataset.Sample{}, errors.New("corrupt sample")
	}
	low, _ := tensor.Full([]int{1, 2, 2}, float32(index))
	high, _ := tensor.Full([]int{1, 2, 2}, float32(index)+0.5)
	return dataset.Sample{LowRes: low, HighRes: high}, nil
}

func (md *MockDataset) Key(index int) string { return fmt.Sprintf("mock:%d", index) }

func collect(t *testing.T, dl *DataLoader) ([]int, []int) {
	t.Helper()
	it, err := dl.Epoch(context.Background())
	if err != nil {
		t.Fatalf("Epoch failed: %v", err)
	}
	defer it.Close()

	var order, sizes []int
	for {
		batch, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		sizes = append(sizes, batch.Size())
		for i, idx := range batch.Indices {
			sample, _ := batch.LowRes.Sample(i)
			if sample.Data[0] != float32(idx) {
				t.Fatalf("Batch row %d holds sample %v, expected %d", i, sample.Data[0], idx)
			}
			order = append(order, idx)
		}
	}
	return order, sizes
}

func TestNewDataLoader(t *testing.T) {
	ds := NewMockDataset(10)
	if _, err := NewDataLoader(ds, Config{BatchSize: 0}, nil); err == nil {
		t.Error("Expected error for zero batch size")
	}
	if _, err := NewDataLoader(ds, Config{BatchSize: 2, Shuffle: true}, nil); err == nil {
		t.Error("Expected error for shuffling without random source")
	}
	if _, err := NewDataLoader(NewMockDataset(0), Config{BatchSize: 2}, nil); err == nil {
		t.Error("Expected error for empty dataset")
	}

	dl, err := NewDataLoader(ds, Config{BatchSize: 4}, nil)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	if dl.NumBatches() != 3 {
		t.Errorf("Expected 3 batches, got %d", dl.NumBatches())
	}
}

func TestSequentialOrderIsStable(t *testing.T) {
	for _, workers := range []int{0, 3} {
		dl, _ := NewDataLoader(NewMockDataset(10), Config{BatchSize: 4, NumWorkers: workers}, nil)

		first, sizes := collect(t, dl)
		second, _ := collect(t, dl)

		for i := range first {
			if first[i] != i || second[i] != i {
				t.Fatalf("workers=%d: expected identity order, got %v and %v", workers, first, second)
			}
		}
		if len(sizes) != 3 || sizes[2] != 2 {
			t.Errorf("workers=%d: expected batch sizes [4 4 2], got %v", workers, sizes)
		}
	}
}

func TestShuffleChangesEveryEpoch(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(32), Config{BatchSize: 5, Shuffle: true, NumWorkers: 2}, rand.New(rand.NewSource(7)))

	first, _ := collect(t, dl)
	second, _ := collect(t, dl)

	seen := make(map[int]bool)
	for _, idx := range first {
		seen[idx] = true
	}
	if len(seen) != 32 {
		t.Errorf("Expected every sample once, saw %d distinct", len(seen))
	}

	same := true
	for i := range first {
		if first[i] != second[i] {
			same = false
		}
	}
	if same {
		t.Error("Expected a different order in the second epoch")
	}

	// The same seed reproduces the same sequence of permutations.
	replay, _ := NewDataLoader(NewMockDataset(32), Config{BatchSize: 5, Shuffle: true}, rand.New(rand.NewSource(7)))
	again, _ := collect(t, replay)
	for i := range first {
		if first[i] != again[i] {
			t.Fatal("Expected seeded shuffle to be reproducible")
		}
	}
}

func TestCacheAvoidsReloading(t *testing.T) {
	ds := NewMockDataset(6)
	dl, _ := NewDataLoader(ds, Config{BatchSize: 2, MaxCacheSize: -1}, nil)

	collect(t, dl)
	collect(t, dl)

	if ds.loads.Load() != 6 {
		t.Errorf("Expected 6 loads with full cache, got %d", ds.loads.Load())
	}
	stats := dl.GetCacheManager().Stats()
	if stats.Hits != 6 || stats.Misses != 6 {
		t.Errorf("Unexpected cache stats %s", stats)
	}
}

func TestLoadErrorAbortsEpoch(t *testing.T) {
	ds := NewMockDataset(8)
	ds.failAt = 5
	dl, _ := NewDataLoader(ds, Config{BatchSize: 2, NumWorkers: 2}, nil)

	it, _ := dl.Epoch(context.Background())
	defer it.Close()

	var err error
	batches := 0
	for err == nil {
		var ok bool
		_, ok, err = it.Next()
		if !ok {
			break
		}
		batches++
	}
	if err == nil {
		t.Fatal("Expected the corrupt sample to surface as an error")
	}
	if batches != 2 {
		t.Errorf("Expected 2 good batches before failure, got %d", batches)
	}
}

func TestCreateSharedDataLoaders(t *testing.T) {
	train, val, err := CreateSharedDataLoaders(NewMockDataset(8), NewMockDataset(4),
		Config{BatchSize: 2, MaxCacheSize: -1}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to create loaders: %v", err)
	}
	if train.GetCacheManager() != val.GetCacheManager() {
		t.Error("Expected loaders to share one cache")
	}
	if !train.config.Shuffle || val.config.Shuffle {
		t.Error("Expected shuffled train and ordered validation loaders")
	}
	if train.GetCacheManager().Stats().MaxSize != 12 {
		t.Errorf("Expected cache sized for both splits, got %d", train.GetCacheManager().Stats().MaxSize)
	}

	// Both mock datasets use the same keys; the splits must not collide.
	collect(t, train)
	collect(t, val)
	if size := train.GetCacheManager().Stats().Size; size != 12 {
		t.Errorf("Expected 12 cached samples across splits, got %d", size)
	}
}
