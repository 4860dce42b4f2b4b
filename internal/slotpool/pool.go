// Package slotpool tracks which of N fixed buffer slots are free and which
// are claimed. It backs both the encoder input-surface pool and the output
// bitstream pool.
package slotpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("slotpool: pool is closed")
	// ErrNotClaimed is returned when releasing an entry that is already free
	// or does not belong to the pool.
	ErrNotClaimed = errors.New("slotpool: entry is not claimed")
	// ErrTimeout is returned by AcquireTimeout when no entry freed up in time.
	ErrTimeout = errors.New("slotpool: acquire timed out")
)

// Slotted is implemented by pool entries. SlotIndex must be unique within a
// pool and lie in [0, n).
type Slotted interface {
	SlotIndex() int
}

// Pool is a fixed set of entries handed out in FIFO order. Acquire blocks
// while every entry is claimed; each Release wakes at most one waiter.
type Pool[T Slotted] struct {
	items []T
	free  chan int

	mu      sync.Mutex
	claimed []bool
	closed  bool
	done    chan struct{}

	// Metrics
	acquires atomic.Uint64
	releases atomic.Uint64
	waits    atomic.Uint64
}

// New builds a pool over items. Every entry starts free.
func New[T Slotted](items []T) (*Pool[T], error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("slotpool: pool needs at least one entry")
	}
	p := &Pool[T]{
		items:   make([]T, len(items)),
		free:    make(chan int, len(items)),
		claimed: make([]bool, len(items)),
		done:    make(chan struct{}),
	}
	for _, it := range items {
		idx := it.SlotIndex()
		if idx < 0 || idx >= len(items) {
			return nil, fmt.Errorf("slotpool: slot index %d out of range [0,%d)", idx, len(items))
		}
		if p.claimed[idx] {
			return nil, fmt.Errorf("slotpool: duplicate slot index %d", idx)
		}
		// claimed doubles as a "seen" marker until the loop ends
		p.claimed[idx] = true
		p.items[idx] = it
	}
	for i := range p.items {
		p.claimed[i] = false
		p.free <- i
	}
	return p, nil
}

// Acquire removes one free entry, blocking until one is available, the pool
// is closed, or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case idx := <-p.free:
		return p.claim(idx)
	default:
	}

	p.waits.Add(1)
	select {
	case idx := <-p.free:
		return p.claim(idx)
	case <-p.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// AcquireTimeout is Acquire bounded by d. A negative d waits forever.
func (p *Pool[T]) AcquireTimeout(d time.Duration) (T, error) {
	if d < 0 {
		return p.Acquire(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	it, err := p.Acquire(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return it, ErrTimeout
	}
	return it, err
}

// TryAcquire returns a free entry without blocking.
func (p *Pool[T]) TryAcquire() (T, bool) {
	select {
	case idx := <-p.free:
		it, err := p.claim(idx)
		return it, err == nil
	default:
		var zero T
		return zero, false
	}
}

func (p *Pool[T]) claim(idx int) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		var zero T
		return zero, ErrClosed
	}
	p.claimed[idx] = true
	p.acquires.Add(1)
	return p.items[idx], nil
}

// Release returns an entry to the free set. The caller must be done with every
// hardware operation referencing it.
func (p *Pool[T]) Release(it T) error {
	idx := it.SlotIndex()

	p.mu.Lock()
	if idx < 0 || idx >= len(p.items) || !p.claimed[idx] {
		p.mu.Unlock()
		return fmt.Errorf("%w: slot %d", ErrNotClaimed, idx)
	}
	p.claimed[idx] = false
	closed := p.closed
	p.mu.Unlock()

	p.releases.Add(1)
	if closed {
		return nil
	}
	// Never blocks: the channel holds one position per entry.
	p.free <- idx
	return nil
}

// Close wakes every waiter with ErrClosed. Entries still claimed may be
// released afterwards; they are not handed out again.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Items returns every entry regardless of state, ordered by slot index.
func (p *Pool[T]) Items() []T {
	out := make([]T, len(p.items))
	copy(out, p.items)
	return out
}

// Cap returns the number of entries.
func (p *Pool[T]) Cap() int { return len(p.items) }

// Available returns the number of free entries.
func (p *Pool[T]) Available() int { return len(p.free) }

// InUse returns the number of claimed entries.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.claimed {
		if c {
			n++
		}
	}
	return n
}

// Metrics returns pool statistics
func (p *Pool[T]) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"capacity":  p.Cap(),
		"available": p.Available(),
		"in_use":    p.InUse(),
		"acquires":  p.acquires.Load(),
		"releases":  p.releases.Load(),
		"waits":     p.waits.Load(),
	}
}
