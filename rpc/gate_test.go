package rpc

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateBoundsPermits(t *testing.T) {
	g := NewGate(2)
	ctx := context.Background()

	p1, err := g.Acquire(ctx)
	require.NoError(t, err)
	_, err = g.Acquire(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, g.Active())

	_, ok := g.TryAcquire()
	require.False(t, ok, "gate admitted more permits than its capacity")

	acquired := make(chan *Permit, 1)
	go func() {
		p, err := g.Acquire(context.Background())
		if err == nil {
			acquired <- p
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned while the gate was full")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()
	p1.Release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not resume after release")
	}

	// A double release must not have freed a second slot.
	_, ok = g.TryAcquire()
	assert.False(t, ok)
	assert.EqualValues(t, 2, g.Active())
}

func TestGateAcquireCanceled(t *testing.T) {
	g := NewGate(1)
	p, ok := g.TryAcquire()
	require.True(t, ok)
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, g.Active())
}

func TestGateUnbounded(t *testing.T) {
	for _, capacity := range []int64{0, -5} {
		g := NewGate(capacity)
		assert.EqualValues(t, int64(math.MaxInt64), g.Capacity())
		for range 1000 {
			_, ok := g.TryAcquire()
			require.True(t, ok)
		}
		assert.EqualValues(t, 1000, g.Active())
	}
}
