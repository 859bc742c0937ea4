package router

import (
	"context"

	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/pool"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
)

// FixedRouter splits every batch by backend shard and combines the
// responses into a single result keyed by slot_id, with no shadow traffic
// involved.
type FixedRouter struct {
	defaultPool *pool.BackendPool
}

// NewFixedRouter builds a FixedRouter over defaultPool.
func NewFixedRouter(defaultPool *pool.BackendPool) *FixedRouter {
	return &FixedRouter{defaultPool: defaultPool}
}

// Ready reports whether the default pool can currently accept dispatches.
// A BackendPool with at least one configured backend is always considered
// ready — per-backend health is a routing-time, not admission-time,
// concern: the pool's ring drops a backend that entered cool-off, so its
// keys fail over to the surviving members until it recovers.
func (r *FixedRouter) Ready(ctx context.Context) error {
	if r.defaultPool == nil {
		return ErrNotReady
	}
	return nil
}

// Dispatch fans batch out across the default pool's backends by shard and
// folds the per-backend results into one Result.
func (r *FixedRouter) Dispatch(ctx context.Context, batch []mqueue.Dispatch[resp.Message]) (<-chan Result, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	return dispatchToPool(ctx, r.defaultPool, batch), nil
}
