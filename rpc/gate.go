package rpc

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of concurrent sessions with a fixed pool of permits.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	active   atomic.Int64
}

// NewGate creates a gate with capacity permits. A non-positive capacity means
// no practical bound.
func NewGate(capacity int64) *Gate {
	if capacity <= 0 {
		capacity = math.MaxInt64
	}
	return &Gate{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Acquire blocks until a permit is free. It only fails when ctx is done.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.active.Add(1)
	return &Permit{gate: g}, nil
}

// TryAcquire takes a permit without blocking.
func (g *Gate) TryAcquire() (*Permit, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	g.active.Add(1)
	return &Permit{gate: g}, true
}

// Capacity returns the number of permits.
func (g *Gate) Capacity() int64 {
	return g.capacity
}

// Active returns the number of permits currently held.
func (g *Gate) Active() int64 {
	return g.active.Load()
}

// Permit is a reservation against the gate's capacity.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the permit. Calls after the first are no-ops.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.gate.active.Add(-1)
		p.gate.sem.Release(1)
	})
}
