// Package router implementa a política de roteamento entre pools de
// backend: um Router simples que apenas fragmenta por shard (Fixed), e um
// que além disso espelha todo lote despachado para um pool sombra
// (Shadow). O Router é construído uma vez a partir da config, com pools
// nomeados e o formato escolhido logado na inicialização.
package router

import (
	"context"
	"fmt"
	"log"

	"github.com/rvasconcelos/shardcache-proxy/internal/backend"
	"github.com/rvasconcelos/shardcache-proxy/internal/config"
	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/pool"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
)

// FailedSlot pairs a slot with the error that kept it from getting a
// response (its backend group failed outright — the connection never
// produced a reply to zip back).
type FailedSlot struct {
	SlotID int
	Err    error
}

// Result is what a Dispatch produces: the successful slot responses and,
// separately, the slots whose backend group failed.
type Result struct {
	Responses []backend.SlotResponse
	Failed    []FailedSlot
}

// Router is the routing polymorphism point: a readiness probe plus a
// batch dispatch whose result arrives on a future channel.
type Router interface {
	Ready(ctx context.Context) error
	Dispatch(ctx context.Context, batch []mqueue.Dispatch[resp.Message]) (<-chan Result, error)
}

// ErrNotReady is returned by Ready when the router has no usable default
// pool to dispatch to.
var ErrNotReady = fmt.Errorf("router: not ready")

// New builds the configured Router variant ("fixed" or "shadow") from the
// manager's named pools.
func New(cfg *config.Config, mgr *pool.Manager) (Router, error) {
	defaultPool, ok := mgr.Pool("default")
	if !ok {
		return nil, fmt.Errorf("router: no 'default' pool configured")
	}

	switch cfg.Listener.RoutingType {
	case "", "fixed":
		log.Printf("[router] initialized: type=fixed default_pool=default")
		return NewFixedRouter(defaultPool), nil
	case "shadow":
		shadowPool, ok := mgr.Pool("shadow")
		if !ok {
			return nil, fmt.Errorf("router: routing_type=shadow requires a 'shadow' pool")
		}
		log.Printf("[router] initialized: type=shadow default_pool=default shadow_pool=shadow")
		return NewShadowRouter(defaultPool, shadowPool), nil
	default:
		return nil, fmt.Errorf("router: unknown routing_type %q", cfg.Listener.RoutingType)
	}
}

// dispatchToPool submits batch to p and folds its per-backend GroupResults
// into a single Result, delivered once on the returned channel. Result
// ordering is restored later, by slot_id, when the message queue drains —
// this layer only needs to report which slots succeeded and which failed.
func dispatchToPool(ctx context.Context, p *pool.BackendPool, batch []mqueue.Dispatch[resp.Message]) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		groups := p.Submit(ctx, batch, false)
		var res Result
		for _, g := range groups {
			if g.Err != nil {
				for _, item := range g.Items {
					res.Failed = append(res.Failed, FailedSlot{SlotID: item.SlotID, Err: g.Err})
				}
				continue
			}
			res.Responses = append(res.Responses, g.Responses...)
		}
		out <- res
	}()
	return out
}

func cloneNoReply(batch []mqueue.Dispatch[resp.Message]) []mqueue.Dispatch[resp.Message] {
	clone := make([]mqueue.Dispatch[resp.Message], len(batch))
	copy(clone, batch)
	return clone
}
