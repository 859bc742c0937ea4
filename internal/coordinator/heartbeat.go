package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
)

const keyInstanceHB = "shardcache:instance:%s:heartbeat"

// Heartbeat periodically refreshes a TTL'd presence key for this instance
// and reports its own liveness gauge, so an operator can tell from Redis
// (or from /metrics) which proxy instances are currently up. It carries no
// weight in routing or cool-off decisions — those never depend on which
// instances are alive.
type Heartbeat struct {
	b        *Broadcaster
	instance string
	interval time.Duration
	ttl      time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHeartbeat builds a heartbeat loop bound to b's Redis client (a no-op
// loop if b is in fallback mode).
func NewHeartbeat(b *Broadcaster, instanceID string) *Heartbeat {
	return &Heartbeat{
		b:        b,
		instance: instanceID,
		interval: 10 * time.Second,
		ttl:      30 * time.Second,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background refresh loop.
func (h *Heartbeat) Start(ctx context.Context) {
	go h.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	<-h.done
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)

	metrics.InstanceHeartbeat.WithLabelValues(h.instance).Set(1)
	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			metrics.InstanceHeartbeat.WithLabelValues(h.instance).Set(0)
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if h.b.IsFallback() || h.b.client == nil {
		return
	}
	key := fmt.Sprintf(keyInstanceHB, h.instance)
	if err := h.b.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), h.ttl).Err(); err != nil {
		log.Printf("[heartbeat] failed to refresh presence for %s: %v", h.instance, err)
	}
}
