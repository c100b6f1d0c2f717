package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// BuildFunc produces item i of a pipeline.
type BuildFunc[T any] func(ctx context.Context, i int) (T, error)

// PipelineConfig holds configuration for a Pipeline
type PipelineConfig struct {
	Workers       int // background builders; 0 builds synchronously in Next
	PrefetchDepth int // items allowed ahead of the consumer beyond Workers
}

type result[T any] struct {
	value T
	err   error
}

// Pipeline builds items 0..n-1 in the background and hands them out in
// index order. At most Workers+PrefetchDepth items are in flight. The
// first build error is returned from Next and stops the pipeline.
type Pipeline[T any] struct {
	n      int
	build  BuildFunc[T]
	config PipelineConfig

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	results []chan result[T]
	slots   chan struct{}

	next  int
	err   error
	built atomic.Int64
}

// NewPipeline starts a pipeline over n items.
func NewPipeline[T any](ctx context.Context, n int, config PipelineConfig, build BuildFunc[T]) (*Pipeline[T], error) {
	if n < 0 {
		return nil, fmt.Errorf("item count must be non-negative, got %d", n)
	}
	if build == nil {
		return nil, fmt.Errorf("build function cannot be nil")
	}
	if config.Workers < 0 || config.PrefetchDepth < 0 {
		return nil, fmt.Errorf("invalid pipeline config %+v", config)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline[T]{
		n:      n,
		build:  build,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}

	if config.Workers == 0 || n == 0 {
		return p, nil
	}

	p.results = make([]chan result[T], n)
	for i := range p.results {
		p.results[i] = make(chan result[T], 1)
	}
	p.slots = make(chan struct{}, config.Workers+config.PrefetchDepth)
	jobs := make(chan int)

	p.wg.Add(1)
	go p.dispatch(jobs)
	for w := 0; w < config.Workers; w++ {
		p.wg.Add(1)
		go p.worker(jobs)
	}

	return p, nil
}

func (p *Pipeline[T]) dispatch(jobs chan<- int) {
	defer p.wg.Done()
	defer close(jobs)

	for i := 0; i < p.n; i++ {
		select {
		case p.slots <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		select {
		case jobs <- i:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline[T]) worker(jobs <-chan int) {
	defer p.wg.Done()

	for i := range jobs {
		if p.ctx.Err() != nil {
			p.results[i] <- result[T]{err: p.ctx.Err()}
			continue
		}
		v, err := p.build(p.ctx, i)
		p.built.Add(1)
		p.results[i] <- result[T]{value: v, err: err}
	}
}

// Next returns the next item in order. ok is false once every item has
// been delivered or after an error.
func (p *Pipeline[T]) Next() (item T, ok bool, err error) {
	var zero T
	if p.err != nil {
		return zero, false, p.err
	}
	if p.next >= p.n {
		return zero, false, nil
	}

	i := p.next
	var r result[T]
	if p.results == nil {
		if err := p.ctx.Err(); err != nil {
			r.err = err
		} else {
			r.value, r.err = p.build(p.ctx, i)
			p.built.Add(1)
		}
	} else {
		select {
		case r = <-p.results[i]:
			<-p.slots
		case <-p.ctx.Done():
			r.err = p.ctx.Err()
		}
	}

	if r.err != nil {
		p.err = fmt.Errorf("item %d: %w", i, r.err)
		p.cancel()
		return zero, false, p.err
	}
	p.next++
	return r.value, true, nil
}

// Close stops background work and waits for it to finish.
func (p *Pipeline[T]) Close() {
	p.cancel()
	p.wg.Wait()
}

// PipelineStats reports pipeline progress.
type PipelineStats struct {
	Items     int
	Delivered int
	Built     int
	Workers   int
}

// Stats returns pipeline progress. Built may run ahead of Delivered by
// up to Workers+PrefetchDepth items.
func (p *Pipeline[T]) Stats() PipelineStats {
	return PipelineStats{
		Items:     p.n,
		Delivered: p.next,
		Built:     int(p.built.Load()),
		Workers:   p.config.Workers,
	}
}
