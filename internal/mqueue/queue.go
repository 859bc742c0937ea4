package mqueue

import "fmt"

// Encoder is the minimal capability a Queue needs from its message type: the
// ability to turn itself into the wire bytes that get written back to the
// client. Kept separate from Processor so a Queue never has to know how a
// message was built, only how to serialize it once it is final.
type Encoder interface {
	Encode() []byte
}

// Dispatch is a fragment returned by Enqueue that still needs to travel to
// a backend before its slot can be filled.
type Dispatch[M Encoder] struct {
	SlotID int
	Msg    M
}

type slotEntry[M Encoder] struct {
	msg    M
	filled bool
}

type orderEntry struct {
	slotID int
	state  State
}

// Queue reassembles, in original order, the responses to a client message
// that may have been split into several backend-bound fragments. It owns
// two structures: a free-list-backed slot table (slots) that can be filled
// out of order as backend replies arrive, and an insertion-ordered queue
// (order) that remembers which slot answers which position in the client's
// original request stream.
//
// A Queue is owned by exactly one pipeline goroutine and is not safe for
// concurrent use — matching the single-task-per-client model it was
// adapted from.
type Queue[M Encoder] struct {
	processor Processor[M]

	order     []orderEntry
	orderHead int

	slots []slotEntry[M]
	free  []int
}

// NewQueue creates a Queue bound to a protocol-specific Processor.
func NewQueue[M Encoder](processor Processor[M]) *Queue[M] {
	return &Queue[M]{processor: processor}
}

// Pending reports how many slots are still outstanding (awaiting a fill or
// still queued for drain).
func (q *Queue[M]) Pending() int {
	return len(q.order) - q.orderHead
}

func (q *Queue[M]) insertSlot(msg M, filled bool) int {
	if n := len(q.free); n > 0 {
		id := q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[id] = slotEntry[M]{msg: msg, filled: filled}
		return id
	}
	id := len(q.slots)
	q.slots = append(q.slots, slotEntry[M]{msg: msg, filled: filled})
	return id
}

func (q *Queue[M]) removeSlot(id int) M {
	e := q.slots[id]
	var zero M
	q.slots[id] = slotEntry[M]{msg: zero, filled: false}
	q.free = append(q.free, id)
	return e.msg
}

// Enqueue fragments msg via the bound Processor and allocates a slot for
// every resulting piece. It returns the subset of fragments that must be
// dispatched to a backend: Inline fragments are already complete at
// enqueue time, so only non-Inline pieces are handed back to the caller
// for submission.
func (q *Queue[M]) Enqueue(msg M) ([]Dispatch[M], error) {
	return q.EnqueueSuppressed(msg, false)
}

// EnqueueSuppressed behaves exactly like Enqueue, except every resulting
// fragment's State is marked Suppressed so that, however many backend round
// trips it still takes, none of its bytes ever reach the client. Used by the
// pipeline to implement CLIENT REPLY OFF/SKIP without special-casing drain.
func (q *Queue[M]) EnqueueSuppressed(msg M, suppress bool) ([]Dispatch[M], error) {
	fragments, err := q.processor.FragmentMessages(msg)
	if err != nil {
		return nil, err
	}

	var dispatch []Dispatch[M]
	for _, f := range fragments {
		f.State.Suppressed = suppress

		if f.State.Kind == Inline {
			id := q.insertSlot(f.Msg, true)
			q.order = append(q.order, orderEntry{slotID: id, state: f.State})
			continue
		}

		var zero M
		id := q.insertSlot(zero, false)
		q.order = append(q.order, orderEntry{slotID: id, state: f.State})
		dispatch = append(dispatch, Dispatch[M]{SlotID: id, Msg: f.Msg})
	}
	return dispatch, nil
}

// Fulfill fills a previously-dispatched slot with its backend response.
func (q *Queue[M]) Fulfill(slotID int, msg M) error {
	if slotID < 0 || slotID >= len(q.slots) {
		return fmt.Errorf("mqueue: slot %d out of range", slotID)
	}
	q.slots[slotID] = slotEntry[M]{msg: msg, filled: true}
	return nil
}

// FulfillFailed fills a slot with a processor-built error message, used
// when the backend round-trip for that slot never produced a response
// (connection error, cool-off, timeout).
func (q *Queue[M]) FulfillFailed(slotID int, reason string) error {
	return q.Fulfill(slotID, q.processor.ErrorMessage(reason))
}

// isOrderReady reports whether the order entry at logical position pos
// (0 == the front of the queue) has a filled slot behind it.
func (q *Queue[M]) isOrderReady(pos int) bool {
	idx := q.orderHead + pos
	if idx >= len(q.order) {
		return false
	}
	return q.slots[q.order[idx].slotID].filled
}

func (q *Queue[M]) popOrder() orderEntry {
	e := q.order[q.orderHead]
	q.orderHead++
	if q.orderHead > 64 && q.orderHead*2 > len(q.order) {
		q.order = append([]orderEntry(nil), q.order[q.orderHead:]...)
		q.orderHead = 0
	}
	return e
}

// nextResponse drains at most one ready response from the front of the
// queue. ok is false when the front of the queue isn't ready yet.
func (q *Queue[M]) nextResponse() (buf []byte, ok bool, err error) {
	if !q.isOrderReady(0) {
		return nil, false, nil
	}

	head := q.order[q.orderHead]
	switch head.state.Kind {
	case Standalone, Inline:
		q.popOrder()
		msg := q.removeSlot(head.slotID)
		if head.state.Suppressed {
			return nil, true, nil
		}
		return msg.Encode(), true, nil

	case StreamingFragmented:
		q.popOrder()
		msg := q.removeSlot(head.slotID)
		if head.state.Suppressed {
			return nil, true, nil
		}
		body := msg.Encode()
		if head.state.Header == nil {
			return body, true, nil
		}
		combined := make([]byte, 0, len(head.state.Header)+len(body))
		combined = append(combined, head.state.Header...)
		combined = append(combined, body...)
		return combined, true, nil

	case Fragmented:
		count := head.state.Count
		for i := 0; i < count; i++ {
			if !q.isOrderReady(i) {
				return nil, false, nil
			}
		}

		fragments := make([]Fragment[M], 0, count)
		suppressed := false
		for i := 0; i < count; i++ {
			e := q.popOrder()
			if e.state.Suppressed {
				suppressed = true
			}
			msg := q.removeSlot(e.slotID)
			fragments = append(fragments, Fragment[M]{State: e.state, Msg: msg})
		}
		if suppressed {
			return nil, true, nil
		}

		msg, err := q.processor.DefragmentMessages(fragments)
		if err != nil {
			return nil, false, err
		}
		return msg.Encode(), true, nil

	default:
		return nil, false, fmt.Errorf("mqueue: unknown state kind %d", head.state.Kind)
	}
}

// DrainSendable pulls every response currently ready at the front of the
// queue, in client order, stopping at the first gap (an outstanding
// fragment that hasn't been fulfilled yet).
func (q *Queue[M]) DrainSendable() ([][]byte, error) {
	var bufs [][]byte
	for {
		buf, ok, err := q.nextResponse()
		if err != nil {
			return bufs, err
		}
		if !ok {
			break
		}
		// Suppressed slots drain without contributing bytes.
		if len(buf) > 0 {
			bufs = append(bufs, buf)
		}
	}
	return bufs, nil
}
