package memory

import (
	"strings"
	"sync"
	"testing"
)

// TestNewBufferPool tests buffer pool creation
func TestNewBufferPool(t *testing.T) {
	pool := NewBufferPool()

	if pool.pools == nil {
		t.Error("Buffer pool pools map should be initialized")
	}

	if pool.stats == nil {
		t.Error("Buffer pool stats map should be initialized")
	}
}

// TestRoundUpToPowerOf2 tests the power of 2 rounding function
func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{5, 8},
		{16, 16},
		{17, 32},
		{1000, 1024},
		{1025, 2048},
	}

	for _, test := range tests {
		result := roundUpToPowerOf2(test.input)
		if result != test.expected {
			t.Errorf("roundUpToPowerOf2(%d) = %d; expected %d", test.input, result, test.expected)
		}
	}
}

// TestBufferReuse checks that returned buffers are zeroed and counted
func TestBufferReuse(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.GetFloat32Buffer(100)
	if len(buf) != 100 {
		t.Fatalf("Expected length 100, got %d", len(buf))
	}
	if cap(buf) != 128 {
		t.Errorf("Expected capacity 128, got %d", cap(buf))
	}
	for i := range buf {
		buf[i] = 1
	}
	pool.PutFloat32Buffer(buf)

	again := pool.GetFloat32Buffer(90)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("Expected zeroed buffer, got %v at %d", v, i)
		}
	}

	stats := pool.Stats()[128]
	if stats.Gets != 2 {
		t.Errorf("Expected 2 gets, got %d", stats.Gets)
	}
	if stats.Puts != 1 {
		t.Errorf("Expected 1 put, got %d", stats.Puts)
	}
	if stats.InUse != 1 {
		t.Errorf("Expected 1 buffer in use, got %d", stats.InUse)
	}

	if !strings.Contains(pool.String(), "Size 128") {
		t.Errorf("Expected size class in summary, got %q", pool.String())
	}
}

// TestForeignBufferIgnored checks that non-pooled capacities are dropped
func TestForeignBufferIgnored(t *testing.T) {
	pool := NewBufferPool()
	pool.PutFloat32Buffer(make([]float32, 3))
	pool.PutFloat32Buffer(nil)

	if len(pool.Stats()) != 0 {
		t.Error("Foreign buffers should not create size classes")
	}
}

// TestConcurrentAccess exercises the pool from several goroutines
func TestConcurrentAccess(t *testing.T) {
	pool := NewBufferPool()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				buf := pool.GetFloat32Buffer(64 + n)
				buf[0] = float32(i)
				pool.PutFloat32Buffer(buf)
			}
		}(g)
	}
	wg.Wait()

	for size, stats := range pool.Stats() {
		if stats.InUse != 0 {
			t.Errorf("Size %d: expected 0 in use, got %d", size, stats.InUse)
		}
	}
}

// TestGlobalBufferPool checks the singleton accessor
func TestGlobalBufferPool(t *testing.T) {
	if GetGlobalBufferPool() != GetGlobalBufferPool() {
		t.Error("Global buffer pool should be a singleton")
	}
}
