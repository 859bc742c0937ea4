package router

import (
	"context"
	"log"

	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/pool"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
)

// shadowDrainBacklog bounds the number of in-flight shadow submissions
// waiting for the drainer goroutine — a full backlog means the shadow
// pool can't keep up, and new mirrors are dropped rather than blocking
// the real traffic path.
const shadowDrainBacklog = 1024

// ShadowRouter mirrors every batch (as a noreply clone) to a shadow pool
// via a background drainer goroutine, and separately forwards the original
// batch to the default pool, returning only that forward's future to the
// caller.
type ShadowRouter struct {
	defaultPool *pool.BackendPool
	shadowPool  *pool.BackendPool
	drain       chan []mqueue.Dispatch[resp.Message]
}

// NewShadowRouter builds a ShadowRouter and starts its drainer goroutine.
func NewShadowRouter(defaultPool, shadowPool *pool.BackendPool) *ShadowRouter {
	r := &ShadowRouter{
		defaultPool: defaultPool,
		shadowPool:  shadowPool,
		drain:       make(chan []mqueue.Dispatch[resp.Message], shadowDrainBacklog),
	}
	go r.drainLoop()
	return r
}

// Ready reports whether the default pool can accept dispatches. Shadow
// pool saturation never blocks real traffic — a full drain backlog just
// drops the mirror, counted in proxy_shadow_dropped_total.
func (r *ShadowRouter) Ready(ctx context.Context) error {
	if r.defaultPool == nil {
		return ErrNotReady
	}
	return nil
}

// Dispatch mirrors batch to the shadow pool (best-effort, fire-and-forget)
// and forwards the original to the default pool, returning that forward's
// future.
func (r *ShadowRouter) Dispatch(ctx context.Context, batch []mqueue.Dispatch[resp.Message]) (<-chan Result, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}

	select {
	case r.drain <- cloneNoReply(batch):
	default:
		metrics.ShadowDropped.WithLabelValues("backlog_full").Inc()
	}

	return dispatchToPool(ctx, r.defaultPool, batch), nil
}

// drainLoop submits mirrored batches to the shadow pool in noreply mode
// and discards every outcome — shadow traffic never reports back to a
// client.
func (r *ShadowRouter) drainLoop() {
	for batch := range r.drain {
		groups := r.shadowPool.Submit(context.Background(), batch, true)
		for _, g := range groups {
			if g.Err != nil {
				metrics.ShadowDropped.WithLabelValues("error").Inc()
				log.Printf("[router:shadow] mirror to %s failed: %v", g.Addr, g.Err)
				continue
			}
			metrics.ShadowDropped.WithLabelValues("ok").Inc()
		}
	}
}
