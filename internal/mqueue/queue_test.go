package mqueue

import "testing"

// strMsg is a minimal Encoder used to test Queue in isolation from any real
// wire protocol.
type strMsg string

func (m strMsg) Encode() []byte { return []byte(m) }

// fakeProcessor lets each test control exactly how a message fragments and
// defragments without dragging in the RESP codec.
type fakeProcessor struct {
	fragment   func(msg strMsg) ([]Fragment[strMsg], error)
	defragment func(fragments []Fragment[strMsg]) (strMsg, error)
}

func (f *fakeProcessor) FragmentMessages(msg strMsg) ([]Fragment[strMsg], error) {
	return f.fragment(msg)
}

func (f *fakeProcessor) DefragmentMessages(fragments []Fragment[strMsg]) (strMsg, error) {
	return f.defragment(fragments)
}

func (f *fakeProcessor) ErrorMessage(reason string) strMsg {
	return strMsg("ERR " + reason)
}

func standaloneProcessor() *fakeProcessor {
	return &fakeProcessor{
		fragment: func(msg strMsg) ([]Fragment[strMsg], error) {
			return []Fragment[strMsg]{{State: NewStandalone(), Msg: msg}}, nil
		},
	}
}

func TestQueueStandaloneRoundTrip(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())

	dispatch, err := q.Enqueue("GET foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatch))
	}

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 0 {
		t.Fatalf("expected nothing sendable before fulfillment, got %v", bufs)
	}

	if err := q.Fulfill(dispatch[0].SlotID, "bar"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bufs, err = q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 1 || string(bufs[0]) != "bar" {
		t.Fatalf("expected [bar], got %v", bufs)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected 0 pending after drain, got %d", q.Pending())
	}
}

func TestQueueInlineNeverDispatched(t *testing.T) {
	q := NewQueue[strMsg](&fakeProcessor{
		fragment: func(msg strMsg) ([]Fragment[strMsg], error) {
			return []Fragment[strMsg]{{State: NewInline(), Msg: "+PONG"}}, nil
		},
	})

	dispatch, err := q.Enqueue("PING")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch) != 0 {
		t.Fatalf("expected no dispatch for an inline fragment, got %d", len(dispatch))
	}

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 1 || string(bufs[0]) != "+PONG" {
		t.Fatalf("expected an immediate [+PONG], got %v", bufs)
	}
}

// TestQueuePreservesClientOrder is the core invariant: responses are
// delivered strictly in submission order even when slots are filled in the
// opposite order the requests arrived in.
func TestQueuePreservesClientOrder(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())

	d1, _ := q.Enqueue("cmd1")
	d2, _ := q.Enqueue("cmd2")
	d3, _ := q.Enqueue("cmd3")

	// Fulfill out of order: third request answers first.
	_ = q.Fulfill(d3[0].SlotID, "resp3")
	bufs, _ := q.DrainSendable()
	if len(bufs) != 0 {
		t.Fatalf("expected nothing sendable while the head of the queue is unfilled, got %v", bufs)
	}

	_ = q.Fulfill(d1[0].SlotID, "resp1")
	bufs, _ = q.DrainSendable()
	if len(bufs) != 1 || string(bufs[0]) != "resp1" {
		t.Fatalf("expected only resp1 to drain, got %v", bufs)
	}

	_ = q.Fulfill(d2[0].SlotID, "resp2")
	bufs, _ = q.DrainSendable()
	if len(bufs) != 2 || string(bufs[0]) != "resp2" || string(bufs[1]) != "resp3" {
		t.Fatalf("expected [resp2 resp3] once the gap closes, got %v", bufs)
	}
}

func TestQueueFragmentedWaitsForAllSiblings(t *testing.T) {
	q := NewQueue[strMsg](&fakeProcessor{
		fragment: func(msg strMsg) ([]Fragment[strMsg], error) {
			return []Fragment[strMsg]{
				{State: NewFragmented([]byte("MGET"), 0, 2), Msg: "a1"},
				{State: NewFragmented([]byte("MGET"), 1, 2), Msg: "a2"},
			}, nil
		},
		defragment: func(fragments []Fragment[strMsg]) (strMsg, error) {
			return strMsg(string(fragments[0].Msg) + "+" + string(fragments[1].Msg)), nil
		},
	})

	dispatch, err := q.Enqueue("MGET a b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(dispatch))
	}

	_ = q.Fulfill(dispatch[1].SlotID, "r2")
	bufs, _ := q.DrainSendable()
	if len(bufs) != 0 {
		t.Fatalf("expected nothing sendable with one sibling still missing, got %v", bufs)
	}

	_ = q.Fulfill(dispatch[0].SlotID, "r1")
	bufs, err = q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 1 || string(bufs[0]) != "r1+r2" {
		t.Fatalf("expected defragmented [r1+r2], got %v", bufs)
	}
}

func TestQueueStreamingFragmentedHeaderOnFirstOnly(t *testing.T) {
	q := NewQueue[strMsg](&fakeProcessor{
		fragment: func(msg strMsg) ([]Fragment[strMsg], error) {
			return []Fragment[strMsg]{
				{State: NewStreamingFragmented([]byte("*2\r\n"), 0, 2), Msg: "a1"},
				{State: NewStreamingFragmented(nil, 1, 2), Msg: "a2"},
			}, nil
		},
	})

	dispatch, _ := q.Enqueue("MGET a b")
	_ = q.Fulfill(dispatch[0].SlotID, "r1")
	_ = q.Fulfill(dispatch[1].SlotID, "r2")

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 2 {
		t.Fatalf("expected 2 buffers, got %d", len(bufs))
	}
	if string(bufs[0]) != "*2\r\nr1" {
		t.Fatalf("expected the header prefixed onto the first fragment, got %q", bufs[0])
	}
	if string(bufs[1]) != "r2" {
		t.Fatalf("expected no header on the second fragment, got %q", bufs[1])
	}
}

func TestQueueFulfillFailedUsesProcessorError(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())
	dispatch, _ := q.Enqueue("GET foo")
	if err := q.FulfillFailed(dispatch[0].SlotID, "connection reset"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bufs, _ := q.DrainSendable()
	if len(bufs) != 1 || string(bufs[0]) != "ERR connection reset" {
		t.Fatalf("expected the processor-built error message, got %v", bufs)
	}
}

func TestQueueFulfillOutOfRangeSlot(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())
	if err := q.Fulfill(42, "oops"); err == nil {
		t.Fatal("expected an error for an out-of-range slot id")
	}
}

func TestQueueEnqueueSuppressedSwallowsBytes(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())

	dispatch, err := q.EnqueueSuppressed("GET foo", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Fulfill(dispatch[0].SlotID, "bar"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 0 {
		t.Fatalf("expected a suppressed reply to contribute no bytes, got %v", bufs)
	}
	if q.Pending() != 0 {
		t.Fatalf("expected the suppressed slot to still drain (just silently), got pending=%d", q.Pending())
	}
}

// TestQueueEnqueueSuppressedInterleavesWithVisibleReplies covers the
// CLIENT REPLY SKIP shape: a suppressed reply ahead of a visible one must
// not disturb client ordering, and only the visible reply produces bytes.
func TestQueueEnqueueSuppressedInterleavesWithVisibleReplies(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())

	d1, _ := q.EnqueueSuppressed("GET two", true)
	d2, _ := q.EnqueueSuppressed("GET one", false)

	_ = q.Fulfill(d1[0].SlotID, "43")
	_ = q.Fulfill(d2[0].SlotID, "42")

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bufs) != 1 || string(bufs[0]) != "42" {
		t.Fatalf("expected exactly one visible reply [42], got %v", bufs)
	}
}

func TestQueueSlotReuseAfterDrain(t *testing.T) {
	q := NewQueue[strMsg](standaloneProcessor())

	d1, _ := q.Enqueue("cmd1")
	_ = q.Fulfill(d1[0].SlotID, "resp1")
	if _, err := q.DrainSendable(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d2, _ := q.Enqueue("cmd2")
	if d2[0].SlotID != d1[0].SlotID {
		t.Fatalf("expected the freed slot to be reused, got new=%d old=%d", d2[0].SlotID, d1[0].SlotID)
	}
}
