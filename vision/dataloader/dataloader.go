package dataloader

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-srcnn/async"
	"github.com/tsawler/go-srcnn/tensor"
	"github.com/tsawler/go-srcnn/vision/dataset"
)

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	Shuffle       bool
	NumWorkers    int // prefetch workers; 0 loads batches on the caller's goroutine
	PrefetchDepth int
	MaxCacheSize  int           // samples kept in a loader-owned cache; 0 disables it, negative caches everything
	CacheManager  *CacheManager // optional shared cache, overrides MaxCacheSize
}

// Batch is a stacked group of samples, [N, C, H, W] each.
type Batch struct {
	LowRes  *tensor.Tensor
	HighRes *tensor.Tensor
	Indices []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int { return len(b.Indices) }

// DataLoader delivers batches of a dataset in order. Shuffling loaders
// draw a fresh permutation from their random source at every epoch.
type DataLoader struct {
	dataset dataset.Dataset
	config  Config
	rng     *rand.Rand
	cache   *CacheManager

	keyPrefix string // keeps splits apart in a shared cache
}

// NewDataLoader creates a new data loader. rng is required when shuffling.
func NewDataLoader(ds dataset.Dataset, config Config, rng *rand.Rand) (*DataLoader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers < 0 || config.PrefetchDepth < 0 {
		return nil, fmt.Errorf("worker count and prefetch depth must be non-negative")
	}
	if config.Shuffle && rng == nil {
		return nil, fmt.Errorf("shuffling loader requires a random source")
	}

	cache := config.CacheManager
	if cache == nil {
		size := config.MaxCacheSize
		if size < 0 {
			size = ds.Len()
		}
		cache = NewCacheManager(size)
	}

	return &DataLoader{dataset: ds, config: config, rng: rng, cache: cache}, nil
}

// CreateSharedDataLoaders creates a shuffling train loader and an ordered
// validation loader backed by one cache.
func CreateSharedDataLoaders(trainDataset, valDataset dataset.Dataset, config Config, rng *rand.Rand) (*DataLoader, *DataLoader, error) {
	cacheSize := config.MaxCacheSize
	if cacheSize < 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	shared := config.CacheManager
	if shared == nil {
		shared = NewCacheManager(cacheSize)
	}

	trainConfig := config
	trainConfig.CacheManager = shared
	trainConfig.Shuffle = true
	train, err := NewDataLoader(trainDataset, trainConfig, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}
	train.keyPrefix = "train/"

	valConfig := config
	valConfig.CacheManager = shared
	valConfig.Shuffle = false
	val, err := NewDataLoader(valDataset, valConfig, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("validation loader: %w", err)
	}
	val.keyPrefix = "val/"

	return train, val, nil
}

// Len returns the number of samples.
func (dl *DataLoader) Len() int {
	return dl.dataset.Len()
}

// NumBatches returns the number of batches per epoch; the last may be short.
func (dl *DataLoader) NumBatches() int {
	return (dl.dataset.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Epoch starts one pass over the dataset. The caller must Close the
// returned iterator.
func (dl *DataLoader) Epoch(ctx context.Context) (*Iterator, error) {
	order := make([]int, dl.dataset.Len())
	for i := range order {
		order[i] = i
	}
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	bs := dl.config.BatchSize
	pipeline, err := async.NewPipeline(ctx, dl.NumBatches(),
		async.PipelineConfig{Workers: dl.config.NumWorkers, PrefetchDepth: dl.config.PrefetchDepth},
		func(ctx context.Context, b int) (Batch, error) {
			end := (b + 1) * bs
			if end > len(order) {
				end = len(order)
			}
			return dl.loadBatch(order[b*bs : end])
		})
	if err != nil {
		return nil, err
	}

	return &Iterator{pipeline: pipeline, order: order}, nil
}

func (dl *DataLoader) loadBatch(indices []int) (Batch, error) {
	lows := make([]*tensor.Tensor, len(indices))
	highs := make([]*tensor.Tensor, len(indices))

	for i, idx := range indices {
		sample, err := dl.loadSample(idx)
		if err != nil {
			return Batch{}, err
		}
		lows[i], highs[i] = sample.LowRes, sample.HighRes
	}

	low, err := tensor.Stack(lows)
	if err != nil {
		return Batch{}, fmt.Errorf("inputs of batch %v: %w", indices, err)
	}
	high, err := tensor.Stack(highs)
	if err != nil {
		return Batch{}, fmt.Errorf("targets of batch %v: %w", indices, err)
	}

	return Batch{LowRes: low, HighRes: high, Indices: append([]int(nil), indices...)}, nil
}

func (dl *DataLoader) loadSample(idx int) (dataset.Sample, error) {
	key := dl.keyPrefix + dl.dataset.Key(idx)
	if sample, ok := dl.cache.Get(key); ok {
		return sample, nil
	}
	sample, err := dl.dataset.Get(idx)
	if err != nil {
		return dataset.Sample{}, err
	}
	dl.cache.Put(key, sample)
	return sample, nil
}

// Stats returns cache statistics as a string.
func (dl *DataLoader) Stats() string {
	return dl.cache.Stats().String()
}

// GetCacheManager returns the cache used by the loader.
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cache
}

// Iterator yields the batches of one epoch in order.
type Iterator struct {
	pipeline *async.Pipeline[Batch]
	order    []int
}

// Next returns the next batch. ok is false at the end of the epoch.
func (it *Iterator) Next() (Batch, bool, error) {
	return it.pipeline.Next()
}

// Order returns the sample order of this epoch.
func (it *Iterator) Order() []int {
	return it.order
}

// Close releases the background workers.
func (it *Iterator) Close() {
	it.pipeline.Close()
}
