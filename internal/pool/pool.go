// Package pool fornece o BackendPool e o Manager: o primeiro mantém um
// Backend/Supervisor vivo por endereço dentro de um pool nomeado e agrupa
// lotes de dispatches por shard antes de submetê-los; o segundo mantém os
// pools nomeados ("default", opcionalmente "shadow") configurados.
package pool

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/backend"
	"github.com/rvasconcelos/shardcache-proxy/internal/config"
	"github.com/rvasconcelos/shardcache-proxy/internal/coordinator"
	"github.com/rvasconcelos/shardcache-proxy/internal/health"
	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
	"github.com/rvasconcelos/shardcache-proxy/pkg/shard"
)

const (
	dialTimeoutDefault = 2 * time.Second
	ioTimeoutDefault   = 3 * time.Second
)

// GroupResult is one backend's contribution to a submitted batch: either
// the slot responses it produced, or the error that ended its connection
// mid-batch.
type GroupResult struct {
	Addr      string
	Items     []mqueue.Dispatch[resp.Message]
	Responses []backend.SlotResponse
	Err       error
}

// BackendPool owns one Backend+Supervisor pair per configured address, a
// shard.Ring built from their identifiers, and (optionally) a subscription
// to cross-instance cool-off events for this pool's name.
type BackendPool struct {
	name string

	ring        *shard.Ring
	allIDs      []string
	backends    map[string]*backend.Backend
	supervisors map[string]*backend.Supervisor
	states      map[string]*health.State

	broadcaster *coordinator.Broadcaster
}

// NewBackendPool builds and starts every backend named in cfg. dialTimeout
// and ioTimeout are fixed per pool; cross-instance cool-off propagation is
// wired through bc if non-nil.
func NewBackendPool(ctx context.Context, name string, cfg config.PoolConfig, bc *coordinator.Broadcaster) (*BackendPool, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("pool %s: no addresses configured", name)
	}

	p := &BackendPool{
		name:        name,
		backends:    make(map[string]*backend.Backend, len(cfg.Addresses)),
		supervisors: make(map[string]*backend.Supervisor, len(cfg.Addresses)),
		states:      make(map[string]*health.State, len(cfg.Addresses)),
		broadcaster: bc,
	}

	ids := make([]string, 0, len(cfg.Addresses))
	for _, addr := range cfg.Addresses {
		desc := shard.Descriptor{
			Addr:              addr,
			Conns:             cfg.Conns,
			CooloffEnabled:    cfg.CooloffEnabled,
			CooloffTimeout:    cfg.CooloffTimeout(),
			CooloffErrorLimit: cfg.CooloffErrorLimit,
		}

		st := health.NewState(cfg.CooloffEnabled, cfg.CooloffTimeout(), cfg.CooloffErrorLimit)
		p.backends[addr] = backend.NewBackend(desc, st)
		p.states[addr] = st
		ids = append(ids, desc.ID())
	}

	// O anel precisa existir antes do primeiro tick de supervisor, já que
	// onHealthChange o reconstrói.
	p.ring = shard.NewRing(ids)
	p.allIDs = p.ring.Members()

	for _, addr := range cfg.Addresses {
		lastHealthy := true
		onHealthChange := func(healthy bool, epoch uint64) {
			p.rebuildRing()
			if p.broadcaster != nil && healthy != lastHealthy {
				lastHealthy = healthy
				p.broadcaster.Publish(context.Background(), p.name, addr, epoch, !healthy)
			}
		}

		sup := backend.NewSupervisor(p.backends[addr], addr, cfg.Conns, dialTimeoutDefault, ioTimeoutDefault, onHealthChange)
		sup.Start(ctx)
		p.supervisors[addr] = sup
	}

	if bc != nil {
		bc.ApplyTo(ctx, name, cfg.CooloffTimeout(), p.states)
	}

	log.Printf("[pool:%s] initialized: %d backends", name, len(p.backends))
	return p, nil
}

// Name returns the pool's configured name ("default", "shadow", ...).
func (p *BackendPool) Name() string { return p.name }

// rebuildRing rebuilds the hash ring from the backends currently outside
// cool-off, so a cooling backend drops out of routing — its keys fail over
// to the surviving members — until it recovers and rejoins. With every
// backend cooling, the full membership is kept: routing somewhere that
// fails still produces an error reply per request, while routing nowhere
// would stall the pipeline. Called from each supervisor's health
// notifications; the membership comparison makes the steady-state calls
// no-ops.
func (p *BackendPool) rebuildRing() {
	routable := make([]string, 0, len(p.allIDs))
	for _, id := range p.allIDs {
		if !p.states[id].Snapshot().InCooloff {
			routable = append(routable, id)
		}
	}
	if len(routable) == 0 {
		routable = p.allIDs
	}
	if sameMembers(routable, p.ring.Members()) {
		return
	}
	p.ring.Rebuild(routable)
	log.Printf("[pool:%s] ring rebuilt: %d of %d backends routable", p.name, len(routable), len(p.allIDs))
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Route groups batch entries by the shard each key hashes to, returning a
// map of backend address to the sub-batch it owns. Messages without a
// routable key (shouldn't occur for fragment/standalone dispatches) fall
// back to the ring's first member rather than being dropped silently.
func (p *BackendPool) Route(batchItems []mqueue.Dispatch[resp.Message]) map[string][]mqueue.Dispatch[resp.Message] {
	groups := make(map[string][]mqueue.Dispatch[resp.Message])
	for _, item := range batchItems {
		addr := p.addrFor(item.Msg)
		groups[addr] = append(groups[addr], item)
	}
	return groups
}

func (p *BackendPool) addrFor(msg resp.Message) string {
	if key, ok := msg.Key(); ok {
		if addr := p.ring.Lookup(key); addr != "" {
			return addr
		}
	}
	members := p.ring.Members()
	if len(members) == 0 {
		return ""
	}
	return members[0]
}

// Submit fans batchItems out across backends by shard and collects each
// backend's contribution. Submission
// blocks until every involved backend has answered or failed, or until ctx
// is done: from then on each backend that has not yet answered is reported
// with ctx.Err() as its GroupResult.Err.
func (p *BackendPool) Submit(ctx context.Context, batchItems []mqueue.Dispatch[resp.Message], noReply bool) []GroupResult {
	groups := p.Route(batchItems)
	if len(groups) == 0 {
		return nil
	}

	type indexed struct {
		addr  string
		items []mqueue.Dispatch[resp.Message]
		ch    <-chan backend.Result
	}
	pending := make([]indexed, 0, len(groups))

	// Submission order within a fan-out must be deterministic; map
	// iteration over groups is randomized per run, so submit in ascending
	// address order — the same order shard.Ring sorts its members into.
	addrs := make([]string, 0, len(groups))
	for addr := range groups {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		b, ok := p.backends[addr]
		if !ok {
			continue
		}
		items := groups[addr]
		pending = append(pending, indexed{addr: addr, items: items, ch: b.Submit(items, noReply)})
	}

	out := make([]GroupResult, 0, len(pending))
	for _, ip := range pending {
		select {
		case res := <-ip.ch:
			out = append(out, GroupResult{Addr: ip.addr, Items: ip.items, Responses: res.Responses, Err: res.Err})
		case <-ctx.Done():
			out = append(out, GroupResult{Addr: ip.addr, Items: ip.items, Err: ctx.Err()})
		}
	}
	return out
}

// States exposes the per-backend health states, used by the health
// checker's active prober and by the coordinator's ApplyTo.
func (p *BackendPool) States() map[string]*health.State {
	return p.states
}

// Close tears down every backend's work queue and waits for its
// supervisor to drain.
func (p *BackendPool) Close() {
	var wg sync.WaitGroup
	for addr, sup := range p.supervisors {
		wg.Add(1)
		go func(addr string, sup *backend.Supervisor) {
			defer wg.Done()
			p.backends[addr].Close()
			sup.Stop()
		}(addr, sup)
	}
	wg.Wait()
	log.Printf("[pool:%s] closed", p.name)
}
