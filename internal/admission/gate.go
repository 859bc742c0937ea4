// Package admission bounds the number of client requests a pipeline may
// have in flight against a pool at once — an unbounded in-flight queue
// under a slow backend would OOM. A caller that cannot get a slot waits up
// to a configurable timeout; when the wait queue itself is full, the gate
// fails fast instead of growing an unbounded backlog.
package admission

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
)

// ErrorKind classifies why Gate.Acquire failed.
type ErrorKind int

const (
	// ErrorTimeout means the caller waited the full queue_timeout_ms
	// without a slot becoming available.
	ErrorTimeout ErrorKind = iota
	// ErrorFull means the circuit breaker rejected the request
	// immediately because the waiting queue was already at capacity.
	ErrorFull
)

// Error is returned by Gate.Acquire when admission is refused.
type Error struct {
	Pool     string
	Kind     ErrorKind
	Depth    int
	MaxDepth int
	WaitTime time.Duration
	Timeout  time.Duration
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorFull:
		return fmt.Sprintf("admission queue full for pool %s (depth=%d, max=%d)", e.Pool, e.Depth, e.MaxDepth)
	default:
		return fmt.Sprintf("admission timeout for pool %s (waited=%v, timeout=%v)", e.Pool, e.WaitTime, e.Timeout)
	}
}

// IsFull reports whether err is a circuit-breaker rejection.
func IsFull(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == ErrorFull
}

// IsTimeout reports whether err is a queue-wait timeout.
func IsTimeout(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == ErrorTimeout
}

// Gate admits at most maxInFlight concurrent requests for one pool. A
// caller that cannot get a slot immediately waits up to queueTimeout; if
// the wait queue itself is already as deep as maxInFlight, Acquire fails
// fast instead of growing an unbounded backlog.
type Gate struct {
	pool    string
	tokens  chan struct{}
	timeout time.Duration
	max     int
	waiting atomic.Int64
}

// NewGate builds an admission gate for pool, allowing at most maxInFlight
// concurrently admitted requests and up to queueTimeout of waiting for a
// free slot. maxInFlight <= 0 disables admission control entirely (Acquire
// always succeeds immediately).
func NewGate(pool string, maxInFlight int, queueTimeout time.Duration) *Gate {
	g := &Gate{pool: pool, timeout: queueTimeout, max: maxInFlight}
	if maxInFlight > 0 {
		g.tokens = make(chan struct{}, maxInFlight)
		for i := 0; i < maxInFlight; i++ {
			g.tokens <- struct{}{}
		}
	}
	return g
}

// Acquire blocks until a slot is available, the context is cancelled, or
// the queue timeout elapses, whichever comes first. On success it returns
// a release func that must be called exactly once. On failure it returns
// a *Error (or ctx.Err() if the context was what ended the wait).
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g.tokens == nil {
		return func() {}, nil
	}

	select {
	case <-g.tokens:
		return g.release, nil
	default:
	}

	if int(g.waiting.Load()) >= g.max {
		metrics.AdmissionRejected.WithLabelValues(g.pool, "full").Inc()
		return nil, &Error{Pool: g.pool, Kind: ErrorFull, Depth: int(g.waiting.Load()), MaxDepth: g.max}
	}

	g.waiting.Add(1)
	metrics.AdmissionQueueDepth.WithLabelValues(g.pool).Set(float64(g.waiting.Load()))
	defer func() {
		g.waiting.Add(-1)
		metrics.AdmissionQueueDepth.WithLabelValues(g.pool).Set(float64(g.waiting.Load()))
	}()

	start := time.Now()
	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-g.tokens:
		return g.release, nil
	case <-timer.C:
		metrics.AdmissionRejected.WithLabelValues(g.pool, "timeout").Inc()
		return nil, &Error{Pool: g.pool, Kind: ErrorTimeout, WaitTime: time.Since(start), Timeout: g.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) release() {
	select {
	case g.tokens <- struct{}{}:
	default:
	}
}

// InFlight reports the number of currently admitted (not yet released)
// requests.
func (g *Gate) InFlight() int {
	if g.tokens == nil {
		return 0
	}
	return g.max - len(g.tokens)
}
