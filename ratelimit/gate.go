package ratelimit

import (
	"context"
	"sync"
)

// gate is a capacity-adjustable concurrency gate: a counting integer plus a
// condition variable, generalizing a semaphore to support resizing without
// ever revoking a permit already granted to a live caller.
//
// This realizes the "ghost-acquire" technique described in the design
// notes for schedulers whose semaphore primitive has no resize operation:
// here capacity is just an integer compared against the live count, so
// shrinking only prevents *future* acquisitions until the outstanding set
// drains below the new capacity — no goroutine ever blocks forever holding
// a phantom permit, so there is nothing to leak across generations. The
// generation counter is retained purely as an observability counter (how
// many times capacity has been retuned), not as a correctness mechanism.
type gate struct {
	mu         sync.Mutex
	cond       *sync.Cond
	capacity   int
	inUse      int
	generation int
	hardMax    int
}

// newGate constructs a gate with the given initial and hard-maximum
// capacity. initial must be in [1, hardMax].
func newGate(initial, hardMax int) *gate {
	g := &gate{capacity: initial, hardMax: hardMax}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire blocks until a slot is available under the current capacity, or
// ctx is done. On cancellation it returns ctx.Err() and does not consume a
// slot.
func (g *gate) acquire(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	// Wake the waiter if ctx is canceled while parked in cond.Wait by
	// broadcasting from a watcher goroutine; cond.Wait itself cannot select
	// on a context, so this bridges the two.
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.inUse >= g.capacity {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.inUse++
	return nil
}

// release returns a slot. A release with no slot outstanding (inUse
// already zero) is silently absorbed rather than driving inUse negative.
// Shrinking never changes inUse, so a caller admitted before a shrink
// releases its slot normally, per spec §4.1 "Release is idempotent against
// capacity shrinkage".
func (g *gate) release() {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// setCapacity resizes the gate. newCap is clamped to [1, hardMax]. Growing
// wakes any blocked acquirers; shrinking below the current in-use count
// simply blocks future acquires until usage drains.
func (g *gate) setCapacity(newCap int) {
	g.mu.Lock()
	if newCap < 1 {
		newCap = 1
	}
	if newCap > g.hardMax {
		newCap = g.hardMax
	}
	if newCap != g.capacity {
		g.capacity = newCap
		g.generation++
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// snapshot returns the current capacity, in-use count, and generation.
func (g *gate) snapshot() (capacity, inUse, generation int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity, g.inUse, g.generation
}
