package resp

import (
	"fmt"
	"sort"

	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
)

// RedisProcessor implements mqueue.Processor[Message]: it decides how a
// client command is split across backends and how the resulting backend
// replies are recombined into the single response the client is waiting
// for.
type RedisProcessor struct{}

// NewRedisProcessor builds the stateless Redis command processor.
func NewRedisProcessor() *RedisProcessor { return &RedisProcessor{} }

// FragmentMessages splits a single decoded client command into one or more
// pieces tagged with the mqueue.State that governs how they're drained.
func (p *RedisProcessor) FragmentMessages(msg Message) ([]mqueue.Fragment[Message], error) {
	class, stride := Classify(msg)

	switch class {
	case ClassInline:
		return []mqueue.Fragment[Message]{{
			State: mqueue.NewInline(),
			Msg:   p.buildInlineReply(msg),
		}}, nil

	case ClassUnsupported:
		return []mqueue.Fragment[Message]{{
			State: mqueue.NewInline(),
			Msg:   Message{Kind: KindArray, Raw: ErrUnsupportedCommand(msg.Command())},
		}}, nil

	case ClassRoutable:
		return []mqueue.Fragment[Message]{{
			State: mqueue.NewStandalone(),
			Msg:   msg,
		}}, nil

	case ClassFragmentable:
		return p.fragmentMultiKey(msg, stride)

	default:
		return nil, &ProcessorError{Reason: fmt.Sprintf("unclassified command %q", msg.Command())}
	}
}

// subCommandFor returns the single-key command each shard actually
// receives for a multi-key parent: MGET splits into GET (its reply is a
// bulk string, the exact shape an MGET array element needs), MSET splits
// into SET (each pair still returns +OK), DEL stays DEL (it already
// accepts a single key and returns an integer).
func subCommandFor(parentCmd string) string {
	switch parentCmd {
	case "MGET":
		return "GET"
	case "MSET":
		return "SET"
	default:
		return parentCmd
	}
}

func (p *RedisProcessor) fragmentMultiKey(msg Message, stride int) ([]mqueue.Fragment[Message], error) {
	keys := msg.Keys(stride)
	if len(keys) == 0 {
		return nil, &ProcessorError{Reason: fmt.Sprintf("%s requires at least one key", msg.Command())}
	}

	cmd := msg.Command()
	subCmd := []byte(subCommandFor(cmd))
	// MGET is the one streaming multi-key command: its fragments preserve
	// order and stream out one at a time behind a *N\r\n header rather
	// than waiting to be defragmented as a batch. MSET/DEL use the
	// buffered Fragmented envelope instead, since their replies (+OK, an
	// integer) must be coalesced into a single reply.
	streaming := cmd == "MGET"

	fragments := make([]mqueue.Fragment[Message], 0, len(keys))

	for i, key := range keys {
		var args [][]byte
		if stride == 2 {
			valueIdx := 1 + i*stride + 1
			if valueIdx >= len(msg.Args) {
				return nil, &ProcessorError{Reason: fmt.Sprintf("%s has a key without a matching value", msg.Command())}
			}
			args = [][]byte{subCmd, key, msg.Args[valueIdx]}
		} else {
			args = [][]byte{subCmd, key}
		}

		sub := Message{Kind: KindArray, Args: args, Raw: EncodeCommand(args)}

		var state mqueue.State
		if streaming {
			var header []byte
			if i == 0 {
				header = EncodeArrayHeader(len(keys))
			}
			state = mqueue.NewStreamingFragmented(header, i, len(keys))
		} else {
			state = mqueue.NewFragmented([]byte(cmd), i, len(keys))
		}
		fragments = append(fragments, mqueue.Fragment[Message]{State: state, Msg: sub})
	}
	return fragments, nil
}

// DefragmentMessages recombines a completed, ordered group of fragments
// sharing a ParentKey back into the single response the client expects.
// Any individual fragment failure collapses the whole response into a
// single partial-failure error: RESP2's +OK/:N reply shapes have no way
// to express per-key partial success.
func (p *RedisProcessor) DefragmentMessages(fragments []mqueue.Fragment[Message]) (Message, error) {
	if len(fragments) == 0 {
		return Message{}, &ProcessorError{Reason: "cannot defragment an empty group"}
	}

	sort.Slice(fragments, func(i, j int) bool {
		return fragments[i].State.Index < fragments[j].State.Index
	})

	cmd := string(fragments[0].State.ParentKey)
	switch cmd {
	case "DEL":
		return p.defragmentDEL(fragments)
	case "MSET":
		return p.defragmentMSET(fragments)
	default:
		return Message{}, &ProcessorError{Reason: fmt.Sprintf("no defragmentation rule for %q", cmd)}
	}
}

func (p *RedisProcessor) defragmentDEL(fragments []mqueue.Fragment[Message]) (Message, error) {
	var sum int64
	for _, f := range fragments {
		if IsErrorReply(f.Msg.Raw) {
			return Message{Raw: ErrPartialFailure}, nil
		}
		n, err := DecodeReplyInteger(f.Msg.Raw)
		if err != nil {
			return Message{Raw: ErrPartialFailure}, nil
		}
		sum += n
	}
	return Message{Raw: EncodeInteger(sum)}, nil
}

func (p *RedisProcessor) defragmentMSET(fragments []mqueue.Fragment[Message]) (Message, error) {
	for _, f := range fragments {
		if IsErrorReply(f.Msg.Raw) {
			return Message{Raw: ErrPartialFailure}, nil
		}
	}
	return Message{Raw: EncodeSimpleString("OK")}, nil
}

// ErrorMessage builds the reply fed into a slot whose backend round-trip
// never completed (connection error, cool-off rejection, timeout). It
// intentionally encodes as a normal -ERR reply rather than a distinct
// sentinel so that DefragmentMessages can treat it exactly like a backend-
// reported error via IsErrorReply.
func (p *RedisProcessor) ErrorMessage(reason string) Message {
	return Message{Raw: EncodeError(fmt.Sprintf("ERR %s", reason))}
}

// buildInlineReply answers commands the pipeline handles itself, without
// ever forwarding them to a backend.
func (p *RedisProcessor) buildInlineReply(msg Message) Message {
	switch msg.Command() {
	case "PING":
		if len(msg.Args) >= 2 {
			return Message{Raw: EncodeBulkString(msg.Args[1])}
		}
		return Message{Raw: EncodeSimpleString("PONG")}
	case "QUIT":
		return Message{Raw: EncodeSimpleString("OK")}
	case "CLIENT":
		return Message{Raw: EncodeSimpleString("OK")}
	default:
		return Message{Raw: ErrInternal("unreachable inline command " + msg.Command())}
	}
}
