package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateAcquireRespectsCapacity(t *testing.T) {
	g := newGate(2, 100)
	ctx := context.Background()

	require.NoError(t, g.acquire(ctx))
	require.NoError(t, g.acquire(ctx))

	_, inUse, _ := g.snapshot()
	require.Equal(t, 2, inUse)
}

func TestGateShrinkDoesNotRevokeLivePermits(t *testing.T) {
	g := newGate(5, 100)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, g.acquire(ctx))
	}

	g.setCapacity(2)
	_, inUse, _ := g.snapshot()
	require.Equal(t, 5, inUse, "shrink must not revoke permits already granted")

	g.release()
	g.release()
	g.release()
	cap, inUse, _ := g.snapshot()
	require.Equal(t, 2, cap)
	require.Equal(t, 2, inUse)
}

func TestGateReleaseIsIdempotentAgainstShrinkage(t *testing.T) {
	g := newGate(3, 100)
	ctx := context.Background()
	require.NoError(t, g.acquire(ctx))

	g.release()
	g.release() // extra release beyond what was acquired must not go negative

	_, inUse, _ := g.snapshot()
	require.Equal(t, 0, inUse)
}

func TestGateGrowthWakesBlockedAcquirer(t *testing.T) {
	g := newGate(1, 100)
	ctx := context.Background()
	require.NoError(t, g.acquire(ctx))

	admitted := make(chan struct{})
	go func() {
		require.NoError(t, g.acquire(ctx))
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("acquired before capacity grew")
	case <-time.After(30 * time.Millisecond):
	}

	g.setCapacity(2)

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("blocked acquirer never woke after growth")
	}
}

func TestGateAcquireRespectsContextCancellation(t *testing.T) {
	g := newGate(1, 100)
	require.NoError(t, g.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, inUse, _ := g.snapshot()
	require.Equal(t, 1, inUse, "canceled acquire must not consume a slot")
}

func TestGateSetCapacityIncrementsGenerationOnChange(t *testing.T) {
	g := newGate(5, 100)
	_, _, gen0 := g.snapshot()

	g.setCapacity(5) // no-op, same capacity
	_, _, gen1 := g.snapshot()
	require.Equal(t, gen0, gen1)

	g.setCapacity(3)
	_, _, gen2 := g.snapshot()
	require.Equal(t, gen0+1, gen2)
}

func TestGateSetCapacityClampsToHardMax(t *testing.T) {
	g := newGate(5, 10)
	g.setCapacity(999)
	cap, _, _ := g.snapshot()
	require.Equal(t, 10, cap)

	g.setCapacity(-5)
	cap, _, _ = g.snapshot()
	require.Equal(t, 1, cap)
}
