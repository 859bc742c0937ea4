package backend

import (
	"github.com/rvasconcelos/shardcache-proxy/internal/health"
	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
	"github.com/rvasconcelos/shardcache-proxy/pkg/shard"
)

// Batch is the unit of work submitted to a Backend: an ordered group of
// dispatches that must be written to the same upstream connection, plus
// whether the connection should skip reading replies for it (shadow-pool
// submissions are always noreply).
type Batch struct {
	Items   []mqueue.Dispatch[resp.Message]
	NoReply bool
	done    chan Result
}

// Result is delivered on a Batch's future once a connection has processed
// it (successfully or not).
type Result struct {
	Responses []SlotResponse
	Err       error
}

// Backend is a lightweight facade: it exclusively owns the producer side
// of a work queue and shares a *health.State with its Supervisor. It never
// touches the connection set directly — that belongs to the Supervisor —
// which is what keeps the Backend/Supervisor relationship acyclic.
type Backend struct {
	Descriptor shard.Descriptor
	Health     *health.State

	work chan Batch
}

// NewBackend builds a Backend with a work queue sized so a momentary burst
// doesn't block submitters, while still bounding memory under a slow
// backend.
func NewBackend(desc shard.Descriptor, h *health.State) *Backend {
	return &Backend{
		Descriptor: desc,
		Health:     h,
		work:       make(chan Batch, 256),
	}
}

// ID returns the backend's stable identity (its address).
func (b *Backend) ID() string { return b.Descriptor.ID() }

// Submit pushes a batch onto the work queue and returns a channel that
// receives exactly one Result once some connection has processed it.
// Submission itself never blocks on the network — only, briefly, on queue
// capacity.
func (b *Backend) Submit(items []mqueue.Dispatch[resp.Message], noReply bool) <-chan Result {
	done := make(chan Result, 1)
	b.work <- Batch{Items: items, NoReply: noReply, done: done}
	return done
}

// Close stops accepting new work; connections draining the queue will
// observe it closed and exit once drained.
func (b *Backend) Close() {
	close(b.work)
}
