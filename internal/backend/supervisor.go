package backend

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
)

// ConnectionError is reported by a connection task to its Supervisor when
// an upstream I/O failure ends that connection's life. The connection is
// never reused after sending one — a fresh dial is always attempted by the
// Supervisor's next population pass.
type ConnectionError struct {
	Addr string
	Err  error
}

// Supervisor owns the live set of connection tasks for one Backend and
// records their connection-error reports against its shared health.State
// (which connection tasks, the active health checker and peer hints also
// update); it replenishes the population up to connLimit on every tick.
type Supervisor struct {
	backend     *Backend
	addr        string
	connLimit   int
	dialTimeout time.Duration
	ioTimeout   time.Duration

	onHealthChange func(healthy bool, epoch uint64)

	errCh       chan ConnectionError
	liveCount   atomic.Int64
	lastHealthy bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSupervisor builds a Supervisor that will keep connLimit live
// connections to addr for backend b.
func NewSupervisor(b *Backend, addr string, connLimit int, dialTimeout, ioTimeout time.Duration, onHealthChange func(bool, uint64)) *Supervisor {
	return &Supervisor{
		backend:        b,
		addr:           addr,
		connLimit:      connLimit,
		dialTimeout:    dialTimeout,
		ioTimeout:      ioTimeout,
		onHealthChange: onHealthChange,
		errCh:          make(chan ConnectionError, connLimit+1),
		lastHealthy:    true,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the supervisor loop in its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the supervisor to stop spawning new connections and wait
// for the live set to drain (callers are expected to close the Backend's
// work queue first so connection tasks see EOF and exit on their own).
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case cerr := <-s.errCh:
			s.liveCount.Add(-1)
			s.backend.Health.RecordError()
			metrics.ConnectionErrors.WithLabelValues(s.backend.ID(), "upstream_io").Inc()
			log.Printf("[backend:%s] connection lost: %v", cerr.Addr, cerr.Err)
			s.notifyHealth()
		case <-ticker.C:
			s.notifyHealth()
			s.ensurePopulation(ctx)
		}
	}
}

func (s *Supervisor) notifyHealth() {
	healthy := s.backend.Health.IsHealthy()
	metrics.BackendHealthy.WithLabelValues(s.backend.ID()).Set(boolToFloat(healthy))
	if healthy != s.lastHealthy {
		direction := "enter_cooloff"
		if healthy {
			direction = "exit_cooloff"
		}
		metrics.CooloffTransitions.WithLabelValues(s.backend.ID(), direction).Inc()
		s.lastHealthy = healthy
	}
	if s.onHealthChange != nil {
		s.onHealthChange(healthy, s.backend.Health.Epoch())
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ensurePopulation spawns fresh connection tasks until the live count
// reaches connLimit. A connection task that exits (clean shutdown or
// error) is never replaced in place — the next tick's deficit pays for it.
func (s *Supervisor) ensurePopulation(ctx context.Context) {
	for s.liveCount.Load() < int64(s.connLimit) {
		s.liveCount.Add(1)
		s.wg.Add(1)
		go s.runConnection(ctx)
	}
	metrics.ConnectionsActive.WithLabelValues(s.backend.ID()).Set(float64(s.liveCount.Load()))
}

// runConnection is one BackendConnection's full lifecycle: lazily dial on
// first batch, loop processing batches to completion, and — on the first
// I/O failure — report it upward and terminate without being reused.
func (s *Supervisor) runConnection(ctx context.Context) {
	defer s.wg.Done()

	var conn *Connection

	for {
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
			return
		case batch, ok := <-s.backend.work:
			if !ok {
				if conn != nil {
					conn.Close()
				}
				return
			}

			if conn == nil {
				c, err := dial(s.addr, s.dialTimeout)
				if err != nil {
					batch.done <- Result{Err: err}
					s.errCh <- ConnectionError{Addr: s.addr, Err: err}
					return
				}
				conn = c
			}

			responses, err := conn.process(batch.Items, batch.NoReply, s.ioTimeout)
			if err != nil {
				batch.done <- Result{Err: err}
				conn.Close()
				s.errCh <- ConnectionError{Addr: s.addr, Err: err}
				return
			}

			s.backend.Health.RecordSuccess()
			batch.done <- Result{Responses: responses}
		}
	}
}
