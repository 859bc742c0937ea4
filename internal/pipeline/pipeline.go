// Package pipeline couples one client TCP connection to the router: drain
// completed router futures in submission order, push ready responses to
// the client, read new requests and hand them to the router, and shut
// down cleanly once both sides are drained.
//
// Ordered completion over out-of-order I/O is handled by a dedicated
// "pump" goroutine that drains in-flight dispatch futures strictly in
// submission order and republishes their results on a channel the main
// loop selects on alongside new client reads.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/admission"
	"github.com/rvasconcelos/shardcache-proxy/internal/metrics"
	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
	"github.com/rvasconcelos/shardcache-proxy/internal/router"
)

var pipelineCounter atomic.Uint64

// replyMode tracks the per-client CLIENT REPLY state machine: ON (default,
// every reply is written), OFF (every reply is swallowed until a later
// CLIENT REPLY ON), and SkipNext (swallow exactly the next reply, then
// fall back to ON).
type replyMode int

const (
	replyOn replyMode = iota
	replyOff
	replySkipNext
)

type readResult struct {
	msg resp.Message
	err error
}

// pendingCompletion is one outstanding router dispatch still being pumped
// in submission order; release returns its admission slot once resolved.
type pendingCompletion struct {
	future  <-chan router.Result
	release func()
	command string
	started time.Time
}

// Pipeline is one client session: a RESP codec reader/writer, a message
// queue doing fragment/reassembly bookkeeping, and a handle to the router
// it forwards dispatchable batches to.
type Pipeline struct {
	id   uint64
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	router router.Router
	queue  *mqueue.Queue[resp.Message]
	gate   *admission.Gate

	startedAt time.Time
	quitAfter bool
	mode      replyMode
}

// New builds a Pipeline bound to conn, rt, and a shared admission gate.
func New(conn net.Conn, rt router.Router, gate *admission.Gate) *Pipeline {
	return &Pipeline{
		id:        pipelineCounter.Add(1),
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		router:    rt,
		queue:     mqueue.NewQueue[resp.Message](resp.NewRedisProcessor()),
		gate:      gate,
		startedAt: time.Now(),
	}
}

// Run executes the pipeline's full lifecycle until the client disconnects,
// an unrecoverable protocol error occurs, or ctx is cancelled and every
// in-flight future and sendable buffer has drained.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.cleanup()

	clientAddr := p.conn.RemoteAddr().String()
	log.Printf("[pipeline:%d] new connection from %s", p.id, clientAddr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reads := make(chan readResult, 1)
	go p.readLoop(ctx, reads)

	completions := make(chan router.Result, 1)
	pending := make(chan pendingCompletion, 4096)
	go p.pump(ctx, pending, completions)
	defer close(pending)

	closing := false
	inFlight := 0
	ctxDone := ctx.Done()

	for {
		if err := p.flushSendable(); err != nil {
			log.Printf("[pipeline:%d] write error: %v", p.id, err)
			return
		}

		if closing && inFlight == 0 && p.queue.Pending() == 0 {
			return
		}
		if p.quitAfter && inFlight == 0 && p.queue.Pending() == 0 {
			return
		}

		select {
		case <-ctxDone:
			// Only fires once; afterwards the nil channel blocks instead
			// of spinning on the already-cancelled context.
			ctxDone = nil
			closing = true

		case res, ok := <-completions:
			if !ok {
				// Pump gone (context cancelled mid-flight); outstanding
				// futures can never resolve, so abort instead of
				// draining.
				return
			}
			inFlight--
			p.fulfill(res)

		case rr, ok := <-reads:
			if !ok {
				// Reader gone; a nil channel blocks instead of spinning
				// on the closed one while in-flight work drains.
				reads = nil
				closing = true
				continue
			}
			if rr.err != nil {
				if errors.Is(rr.err, io.EOF) {
					closing = true
					continue
				}
				log.Printf("[pipeline:%d] read error: %v", p.id, rr.err)
				return
			}
			if closing {
				continue
			}
			queued, err := p.dispatch(ctx, rr.msg, pending)
			if err != nil {
				log.Printf("[pipeline:%d] dispatch error: %v", p.id, err)
				return
			}
			if queued {
				inFlight++
			}
		}
	}
}

// readLoop decodes one RESP message at a time from the client socket and
// publishes it on reads, stopping at the first error (including a clean
// EOF). It never blocks the main select loop on a syscall.
func (p *Pipeline) readLoop(ctx context.Context, reads chan<- readResult) {
	defer close(reads)
	for {
		msg, err := resp.Decode(p.r)
		select {
		case reads <- readResult{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// pump drains in-flight dispatch futures strictly in the order they were
// submitted, republishing each result on completions: out-of-order I/O
// underneath, ordered completion on top.
func (p *Pipeline) pump(ctx context.Context, pending <-chan pendingCompletion, completions chan<- router.Result) {
	defer close(completions)
	for pc := range pending {
		select {
		case res := <-pc.future:
			pc.release()
			metrics.RequestDuration.WithLabelValues(pc.command).Observe(time.Since(pc.started).Seconds())
			select {
			case completions <- res:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch enqueues msg on the message queue, and — if it produced any
// backend-bound fragments — submits them to the router behind an
// admission slot, queuing the resulting future onto pending for the pump
// to drain in order. queued reports whether a pendingCompletion was
// actually pushed onto pending: Run increments its inFlight counter only
// when queued is true, since that is the only path with a matching
// completions receive (at the pump) to ever decrement it back down.
// Inline-only batches (len(batch)==0, e.g. PING/QUIT/CLIENT REPLY/INFO),
// admission rejections, and router-dispatch failures all resolve the
// request synchronously via failBatch/FulfillFailed and never reach
// pending, so none of them count as in-flight.
func (p *Pipeline) dispatch(ctx context.Context, msg resp.Message, pending chan<- pendingCompletion) (queued bool, err error) {
	if resp.EqualFoldCommand(msg, "QUIT") {
		p.quitAfter = true
	}

	suppress := p.shouldSuppress(msg)
	batch, err := p.queue.EnqueueSuppressed(msg, suppress)
	if err != nil {
		return false, err
	}
	metrics.RequestsTotal.WithLabelValues(msg.Command(), "enqueued").Inc()
	if len(batch) == 0 {
		return false, nil
	}
	metrics.FragmentCount.WithLabelValues(msg.Command()).Observe(float64(len(batch)))

	release, err := p.gate.Acquire(ctx)
	if err != nil {
		p.failBatch(batch, err)
		return false, nil
	}

	future, err := p.router.Dispatch(ctx, batch)
	if err != nil {
		release()
		p.failBatch(batch, err)
		return false, nil
	}

	pending <- pendingCompletion{future: future, release: release, command: msg.Command(), started: time.Now()}
	return true, nil
}

// shouldSuppress applies the reply-mode state machine and reports whether
// msg's own reply must be swallowed. A CLIENT REPLY command always
// drives the transition (ON never suppresses, even if a prior OFF/SKIP was
// in effect; OFF and SKIP always suppress their own acknowledgement, exactly
// as the reference protocol never echoes those back); every other command
// is suppressed only while OFF is in effect, or exactly once when a SKIP is
// still pending.
func (p *Pipeline) shouldSuppress(msg resp.Message) bool {
	if mode, ok := resp.ClientReplyMode(msg); ok {
		switch mode {
		case "ON":
			p.mode = replyOn
			return false
		case "OFF":
			p.mode = replyOff
			return true
		case "SKIP":
			p.mode = replySkipNext
			return true
		}
	}

	switch p.mode {
	case replyOff:
		return true
	case replySkipNext:
		p.mode = replyOn
		return true
	default:
		return false
	}
}

// failBatch fulfils every slot in batch with a processor-built error
// reply, used when admission or routing itself rejects the batch before
// it ever reaches a backend. Admission rejections are already counted by
// the gate itself; this only accounts for the request outcome.
func (p *Pipeline) failBatch(batch []mqueue.Dispatch[resp.Message], err error) {
	reason := "admission rejected"
	if !admission.IsFull(err) && !admission.IsTimeout(err) {
		reason = "router unavailable"
	}
	for _, d := range batch {
		_ = p.queue.FulfillFailed(d.SlotID, reason)
	}
}

// fulfill installs a router.Result's slot responses and marks its failed
// slots with a processor-built error, so the client always sees a valid
// protocol reply in every slot.
func (p *Pipeline) fulfill(res router.Result) {
	for _, sr := range res.Responses {
		_ = p.queue.Fulfill(sr.SlotID, sr.Msg)
	}
	for _, f := range res.Failed {
		_ = p.queue.FulfillFailed(f.SlotID, f.Err.Error())
	}
}

// flushSendable pulls every response currently ready at the front of the
// queue and writes it to the client, flushing once per call.
func (p *Pipeline) flushSendable() error {
	bufs, err := p.queue.DrainSendable()
	if err != nil {
		return err
	}
	if len(bufs) == 0 {
		return nil
	}
	for _, b := range bufs {
		if _, err := p.w.Write(b); err != nil {
			return err
		}
	}
	return p.w.Flush()
}

func (p *Pipeline) cleanup() {
	_ = p.conn.Close()
	log.Printf("[pipeline:%d] closed (duration=%s)", p.id, time.Since(p.startedAt))
}
