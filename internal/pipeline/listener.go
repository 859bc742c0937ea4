package pipeline

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/admission"
	"github.com/rvasconcelos/shardcache-proxy/internal/router"
)

// Server accepts client TCP connections and hands each one to its own
// Pipeline goroutine: accept loop, activeSessions atomic counter, graceful
// Stop with context cancellation and a WaitGroup drain.
type Server struct {
	addr   string
	router router.Router
	gate   *admission.Gate

	listener net.Listener

	activeSessions atomic.Int64

	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer builds a Server that will listen on addr once Start is called.
func NewServer(addr string, rt router.Router, gate *admission.Gate) *Server {
	return &Server{
		addr:   addr,
		router: rt,
		gate:   gate,
		done:   make(chan struct{}),
	}
}

// Start begins listening and accepting client connections in a background
// goroutine.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	log.Printf("[listener] proxy listening on %s", s.addr)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isListenerClosed(err) {
				log.Printf("[listener] listener closed")
				return
			}
			log.Printf("[listener] accept error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.activeSessions.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeSessions.Add(-1)

			p := New(conn, s.router, s.gate)
			p.Run(ctx)
		}()
	}
}

// ActiveSessions reports how many client connections are currently being
// served.
func (s *Server) ActiveSessions() int64 {
	return s.activeSessions.Load()
}

// Stop closes the listener and waits (up to the context deadline) for
// in-flight sessions to drain.
func (s *Server) Stop(ctx context.Context) error {
	log.Printf("[listener] shutting down (active sessions: %d)...", s.activeSessions.Load())

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Printf("[listener] shutdown complete")
		return nil
	case <-ctx.Done():
		log.Printf("[listener] shutdown deadline exceeded, %d sessions still active", s.activeSessions.Load())
		return ctx.Err()
	}
}

func isListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
