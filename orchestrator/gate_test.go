package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatmesh/threatmesh/core"
)

func TestGateExhaustionIsRetryable(t *testing.T) {
	g := newGate(1, 20*time.Millisecond)

	release, err := g.acquire(context.Background())
	require.NoError(t, err)

	_, err = g.acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.True(t, core.IsRetryable(err), "pool exhaustion must classify as transient")

	release()

	release2, err := g.acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestGateHonorsCancellation(t *testing.T) {
	g := newGate(1, time.Second)

	release, err := g.acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisabledGateNeverBlocks(t *testing.T) {
	g := newGate(0, time.Millisecond)
	for i := 0; i < 100; i++ {
		release, err := g.acquire(context.Background())
		require.NoError(t, err)
		release()
	}
}
