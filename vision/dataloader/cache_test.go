package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/tsawler/go-srcnn/tensor"
	"github.com/tsawler/go-srcnn/vision/dataset"
)

func testSample(v float32) dataset.Sample {
	low, _ := tensor.Full([]int{1, 1, 1}, v)
	return dataset.Sample{LowRes: low, HighRes: low}
}

func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put("a", testSample(1))
	cm.Put("b", testSample(2))
	cm.Get("a") // a becomes most recent
	cm.Put("c", testSample(3))

	if _, ok := cm.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if s, ok := cm.Get("a"); !ok || s.LowRes.Data[0] != 1 {
		t.Error("Expected a to survive")
	}
	if _, ok := cm.Get("c"); !ok {
		t.Error("Expected c to be cached")
	}
	if cm.Stats().Size != 2 {
		t.Errorf("Expected size 2, got %d", cm.Stats().Size)
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put("a", testSample(1))
	if _, ok := cm.Get("a"); ok {
		t.Error("Expected disabled cache to store nothing")
	}
}

func TestCacheManagerStats(t *testing.T) {
	cm := NewCacheManager(4)
	cm.Put("a", testSample(1))
	cm.Get("a")
	cm.Get("missing")

	stats := cm.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.HitRate != 50 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.String() != "Cache: 1/4 items, Hits: 1, Misses: 1, Hit Rate: 50.0%" {
		t.Errorf("Unexpected stats string %q", stats.String())
	}

	cm.Clear()
	if cm.Stats().Size != 0 || cm.Stats().Hits != 1 {
		t.Error("Expected Clear to empty cache but keep statistics")
	}
	cm.ResetStats()
	if cm.Stats().Hits != 0 {
		t.Error("Expected ResetStats to zero counters")
	}
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*7+i)%80)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, testSample(float32(i)))
				}
			}
		}(g)
	}
	wg.Wait()

	if size := cm.Stats().Size; size > 50 {
		t.Errorf("Expected at most 50 items, got %d", size)
	}
}
