package detections

import (
	"sync"

	"golang.org/x/xerrors"
)

// DefaultPoolSize is the number of tensor pairs allocated up front.
const DefaultPoolSize = 4

var ErrPoolClosed = xerrors.New("pool is closed")

// Pool keeps reusable native buffers around between requests. Acquire never
// waits: when every pooled item is in use a new one is allocated, and Release
// destroys items that do not fit back.
type Pool[T any] struct {
	items   chan T
	size    int
	newFn   func() (T, error)
	destroy func(T)

	mu      sync.Mutex
	closed  bool
	metrics PoolMetrics
}

type PoolMetrics struct {
	Size          int   `json:"pool_size"`
	InUse         int   `json:"in_use"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
	Allocated     int64 `json:"allocated_on_demand"`
	Discarded     int64 `json:"discarded"`
}

func NewPool[T any](size int, newFn func() (T, error), destroy func(T)) (*Pool[T], error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &Pool[T]{
		items:   make(chan T, size),
		size:    size,
		newFn:   newFn,
		destroy: destroy,
		metrics: PoolMetrics{Size: size},
	}

	for i := 0; i < size; i++ {
		item, err := newFn()
		if err != nil {
			pool.Destroy()
			return nil, xerrors.Errorf("failed to initialize pool item %d: %w", i, err)
		}
		pool.items <- item
	}

	return pool, nil
}

func (p *Pool[T]) Acquire() (T, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		var zero T
		return zero, ErrPoolClosed
	}

	select {
	case item := <-p.items:
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return item, nil
	default:
	}
	p.mu.Unlock()

	item, err := p.newFn()
	if err != nil {
		return item, xerrors.Errorf("allocate pool item: %w", err)
	}

	p.mu.Lock()
	p.metrics.InUse++
	p.metrics.TotalAcquired++
	p.metrics.Allocated++
	p.mu.Unlock()
	return item, nil
}

func (p *Pool[T]) Release(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.InUse--
	p.metrics.TotalReleased++

	if p.closed {
		p.destroy(item)
		return
	}

	select {
	case p.items <- item:
	default:
		p.metrics.Discarded++
		p.destroy(item)
	}
}

func (p *Pool[T]) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.items)

	for item := range p.items {
		p.destroy(item)
	}
}

func (p *Pool[T]) GetMetrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
