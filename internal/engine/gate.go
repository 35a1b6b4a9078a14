package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate is the admission gate: a counting semaphore sized to the maximum
// number of concurrent compilations.
type Gate struct {
	sem  *semaphore.Weighted
	size int64

	inUse    atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// GateStats is a point-in-time view of the gate.
type GateStats struct {
	Size      int64 `json:"size"`
	InUse     int64 `json:"in_use"`
	Available int64 `json:"available"`
	Acquired  int64 `json:"acquired_total"`
	Released  int64 `json:"released_total"`
}

// NewGate creates a gate admitting at most size concurrent holders.
func NewGate(size int) *Gate {
	g := &Gate{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
	g.publish()
	return g
}

// Acquire blocks until a permit is free, timeout elapses, or ctx ends. On
// timeout it returns an error wrapping ErrNoCapacity. If ctx ends first its
// error is returned instead.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) (*Permit, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wait for admission: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: all %d slots busy for %s", ErrNoCapacity, g.size, timeout)
	}

	g.inUse.Add(1)
	g.acquired.Add(1)
	g.publish()
	return &Permit{g: g}, nil
}

// Stats returns the current gate counters.
func (g *Gate) Stats() GateStats {
	inUse := g.inUse.Load()
	return GateStats{
		Size:      g.size,
		InUse:     inUse,
		Available: g.size - inUse,
		Acquired:  g.acquired.Load(),
		Released:  g.released.Load(),
	}
}

func (g *Gate) publish() {
	inUse := g.inUse.Load()
	permitsInUse.Set(float64(inUse))
	permitsAvailable.Set(float64(g.size - inUse))
}

// Permit is one admission slot. Release returns it to the gate; calls after
// the first are no-ops.
type Permit struct {
	g    *Gate
	once sync.Once
}

// Release returns the permit to its gate exactly once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.inUse.Add(-1)
		p.g.released.Add(1)
		p.g.sem.Release(1)
		p.g.publish()
	})
}
