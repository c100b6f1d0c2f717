package memory

import (
	"fmt"
	"sort"
	"sync"
)

// BufferPool recycles float32 scratch buffers by power-of-two size class.
// Convolution kernels draw their im2col and gradient scratch space from it.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by buffer capacity
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for a single size class
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// GetFloat32Buffer returns a zeroed buffer of exactly size elements.
func (bp *BufferPool) GetFloat32Buffer(size int) []float32 {
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}

	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}

	buf, ok := pool.Get().([]float32)
	if !ok || cap(buf) < size {
		stats.Misses++
		buf = make([]float32, poolSize)
	}
	bp.mu.Unlock()

	return buf[:size]
}

// PutFloat32Buffer returns a buffer obtained from GetFloat32Buffer.
// Buffers whose capacity is not a pooled size class are dropped.
func (bp *BufferPool) PutFloat32Buffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}

	poolSize := cap(buf)
	if roundUpToPowerOf2(poolSize) != poolSize {
		return
	}

	full := buf[:poolSize]
	for i := range full {
		full[i] = 0
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	pool, exists := bp.pools[poolSize]
	if !exists {
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	pool.Put(full)
}

// Stats returns a copy of the statistics for all size classes
func (bp *BufferPool) Stats() map[int]*PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	statsCopy := make(map[int]*PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		s := *stats
		statsCopy[size] = &s
	}

	return statsCopy
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()

	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	result := "BufferPool Statistics:\n"
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}

		result += fmt.Sprintf("  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}

	return result
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if n&(n-1) == 0 {
		return n
	}

	power := 1
	for power < n {
		power <<= 1
	}

	return power
}

var (
	globalPool     *BufferPool
	globalPoolOnce sync.Once
)

// GetGlobalBufferPool returns the process-wide buffer pool
func GetGlobalBufferPool() *BufferPool {
	globalPoolOnce.Do(func() {
		globalPool = NewBufferPool()
	})
	return globalPool
}
