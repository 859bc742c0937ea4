package resp

import (
	"testing"

	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
)

func TestFragmentRoutable(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("GET"), []byte("foo")}, Raw: EncodeCommand([][]byte{[]byte("GET"), []byte("foo")})}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 1 || frags[0].State.Kind != mqueue.Standalone {
		t.Fatalf("expected a single Standalone fragment, got %+v", frags)
	}
}

func TestFragmentInlinePing(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("PING")}}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 1 || frags[0].State.Kind != mqueue.Inline {
		t.Fatalf("expected a single Inline fragment, got %+v", frags)
	}
	if string(frags[0].Msg.Raw) != "+PONG\r\n" {
		t.Fatalf("expected +PONG, got %q", frags[0].Msg.Raw)
	}
}

func TestFragmentUnsupported(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("MULTI")}}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsErrorReply(frags[0].Msg.Raw) {
		t.Fatalf("expected an error reply for an unsupported command, got %q", frags[0].Msg.Raw)
	}
}

// TestFragmentInfoIsUnsupported: INFO has no backend shard to target and
// is not one of the handful of commands the pipeline answers itself, so it
// gets the same -ERR treatment as any other unrecognized command, not a
// synthesized status reply.
func TestFragmentInfoIsUnsupported(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("INFO")}}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsErrorReply(frags[0].Msg.Raw) {
		t.Fatalf("expected an error reply for INFO, got %q", frags[0].Msg.Raw)
	}
}

func TestClientReplyModeRecognizesSubcommands(t *testing.T) {
	cases := []struct {
		args     []string
		wantMode string
		wantOK   bool
	}{
		{[]string{"CLIENT", "REPLY", "ON"}, "ON", true},
		{[]string{"CLIENT", "REPLY", "OFF"}, "OFF", true},
		{[]string{"CLIENT", "REPLY", "SKIP"}, "SKIP", true},
		{[]string{"client", "reply", "skip"}, "SKIP", true},
		{[]string{"CLIENT", "SETNAME", "foo"}, "", false},
		{[]string{"CLIENT", "REPLY", "NONSENSE"}, "", false},
		{[]string{"PING"}, "", false},
	}
	for _, c := range cases {
		args := make([][]byte, len(c.args))
		for i, a := range c.args {
			args[i] = []byte(a)
		}
		mode, ok := ClientReplyMode(Message{Args: args})
		if mode != c.wantMode || ok != c.wantOK {
			t.Errorf("ClientReplyMode(%v) = (%q, %v), want (%q, %v)", c.args, mode, ok, c.wantMode, c.wantOK)
		}
	}
}

func TestFragmentMultiKeyMGET(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("MGET"), []byte("a"), []byte("b")}}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	for i, f := range frags {
		if f.State.Kind != mqueue.StreamingFragmented || f.State.Count != 2 || f.State.Index != i {
			t.Fatalf("fragment %d has unexpected state %+v", i, f.State)
		}
		if f.Msg.Command() != "GET" {
			t.Fatalf("fragment %d expected a GET sub-command, got %q", i, f.Msg.Command())
		}
	}
	if string(frags[0].State.Header) != "*2\r\n" {
		t.Fatalf("expected the first fragment to carry the *2\\r\\n array header, got %q", frags[0].State.Header)
	}
	if frags[1].State.Header != nil {
		t.Fatalf("expected no header on the second fragment, got %q", frags[1].State.Header)
	}
}

func TestFragmentMultiKeyMSETUsesSET(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("MSET"), []byte("a"), []byte("1"), []byte("b"), []byte("2")}}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	for i, f := range frags {
		if f.State.Kind != mqueue.Fragmented || f.State.Count != 2 || f.State.Index != i {
			t.Fatalf("fragment %d has unexpected state %+v", i, f.State)
		}
		if f.Msg.Command() != "SET" {
			t.Fatalf("fragment %d expected a SET sub-command, got %q", i, f.Msg.Command())
		}
	}
}

func TestFragmentMultiKeyDELKeepsDEL(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("DEL"), []byte("a"), []byte("b")}}
	frags, err := p.FragmentMessages(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, f := range frags {
		if f.Msg.Command() != "DEL" {
			t.Fatalf("fragment %d expected a DEL sub-command, got %q", i, f.Msg.Command())
		}
	}
}

func TestFragmentMultiKeyMSETRequiresValue(t *testing.T) {
	p := NewRedisProcessor()
	msg := Message{Args: [][]byte{[]byte("MSET"), []byte("a")}}
	if _, err := p.FragmentMessages(msg); err == nil {
		t.Fatal("expected an error for MSET missing a value")
	}
}

// TestMGETStreamsThroughQueue drives a whole MGET through the real
// mqueue.Queue wired to RedisProcessor: three keys landing on different
// shards must come back as a single *3\r\n array in request order, built
// entirely from the per-fragment GET replies a backend would actually
// send, with no batch-level defragmentation step involved.
func TestMGETStreamsThroughQueue(t *testing.T) {
	p := NewRedisProcessor()
	q := mqueue.NewQueue[Message](p)

	msg := Message{Args: [][]byte{[]byte("MGET"), []byte("key_one"), []byte("key_two"), []byte("key_three")}}
	dispatch, err := q.Enqueue(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatch) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(dispatch))
	}

	replies := map[string][]byte{
		"key_one":   EncodeBulkString([]byte("42")),
		"key_two":   EncodeBulkString([]byte("43")),
		"key_three": EncodeBulkString([]byte("44")),
	}
	// Fulfill out of order to prove ordering comes from the queue, not
	// from backend response arrival order.
	order := []int{2, 0, 1}
	for _, i := range order {
		d := dispatch[i]
		key := string(d.Msg.Args[1])
		if err := q.Fulfill(d.SlotID, Message{Raw: replies[key]}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(bufs[0]) + string(bufs[1]) + string(bufs[2])
	want := "*3\r\n$2\r\n42\r\n$2\r\n43\r\n$2\r\n44\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestMGETPartialFailureSurfacesPerElement shows that, unlike MSET/DEL's
// collapse-to-one-error resolution, a failed shard in a streaming MGET
// surfaces as an error reply in that one array slot — the array header
// and the other elements are unaffected.
func TestMGETPartialFailureSurfacesPerElement(t *testing.T) {
	p := NewRedisProcessor()
	q := mqueue.NewQueue[Message](p)

	msg := Message{Args: [][]byte{[]byte("MGET"), []byte("a"), []byte("b")}}
	dispatch, _ := q.Enqueue(msg)

	_ = q.FulfillFailed(dispatch[0].SlotID, "connection reset")
	_ = q.Fulfill(dispatch[1].SlotID, Message{Raw: EncodeBulkString([]byte("ok"))})

	bufs, err := q.DrainSendable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := string(bufs[0]) + string(bufs[1])
	want := "*2\r\n-ERR connection reset\r\n$2\r\nok\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDefragmentDELSums(t *testing.T) {
	p := NewRedisProcessor()
	frags := []mqueue.Fragment[Message]{
		{State: mqueue.NewFragmented([]byte("DEL"), 0, 2), Msg: Message{Raw: []byte(":1\r\n")}},
		{State: mqueue.NewFragmented([]byte("DEL"), 1, 2), Msg: Message{Raw: []byte(":0\r\n")}},
	}
	got, err := p.DefragmentMessages(frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Raw) != ":1\r\n" {
		t.Fatalf("expected :1, got %q", got.Raw)
	}
}

func TestDefragmentMSETAllOK(t *testing.T) {
	p := NewRedisProcessor()
	frags := []mqueue.Fragment[Message]{
		{State: mqueue.NewFragmented([]byte("MSET"), 0, 2), Msg: Message{Raw: []byte("+OK\r\n")}},
		{State: mqueue.NewFragmented([]byte("MSET"), 1, 2), Msg: Message{Raw: []byte("+OK\r\n")}},
	}
	got, err := p.DefragmentMessages(frags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Raw) != "+OK\r\n" {
		t.Fatalf("expected +OK, got %q", got.Raw)
	}
}

func TestErrorMessageIsErrorReply(t *testing.T) {
	p := NewRedisProcessor()
	msg := p.ErrorMessage("connection reset")
	if !IsErrorReply(msg.Raw) {
		t.Fatalf("expected an error reply, got %q", msg.Raw)
	}
}
