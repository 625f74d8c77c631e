package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/threatmesh/threatmesh/core"
)

// gate bounds concurrent collaborator calls. Acquisition is itself a
// suspension point with its own timeout; exhaustion classifies as a
// transient collaborator fault so the stage retries instead of failing.
type gate struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// newGate creates a gate admitting up to capacity concurrent calls. A
// capacity of zero or less disables gating.
func newGate(capacity int64, timeout time.Duration) *gate {
	if capacity <= 0 {
		return &gate{}
	}
	return &gate{sem: semaphore.NewWeighted(capacity), timeout: timeout}
}

// acquire blocks until a slot frees up, the acquire timeout passes or ctx is
// cancelled. The returned release function must be called exactly once.
func (g *gate) acquire(ctx context.Context) (func(), error) {
	if g.sem == nil {
		return func() {}, nil
	}

	acquireCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("collaborator connection pool exhausted: %w", core.ErrUnavailable)
	}
	return func() { g.sem.Release(1) }, nil
}
