package pool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/rvasconcelos/shardcache-proxy/internal/config"
	"github.com/rvasconcelos/shardcache-proxy/internal/coordinator"
)

// Manager keeps one BackendPool per configured pool name. It is the
// top-level entry point main.go wires into the router.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*BackendPool
}

// NewManager builds a BackendPool for every entry in cfg.Pools.
func NewManager(ctx context.Context, cfg *config.Config, bc *coordinator.Broadcaster) (*Manager, error) {
	m := &Manager{pools: make(map[string]*BackendPool, len(cfg.Pools))}

	for name, pc := range cfg.Pools {
		p, err := NewBackendPool(ctx, name, pc, bc)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("initializing pool %s: %w", name, err)
		}
		m.pools[name] = p
	}

	log.Printf("[pool] manager initialized: %d pools", len(m.pools))
	return m, nil
}

// Pool returns the named pool ("default", "shadow", ...).
func (m *Manager) Pool(name string) (*BackendPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Names returns every configured pool name.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for name := range m.pools {
		out = append(out, name)
	}
	return out
}

// Close tears down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
	m.pools = nil
	log.Println("[pool] manager closed")
}
