package resp

import "testing"

func TestMessageKeyAndKeys(t *testing.T) {
	m := Message{Args: [][]byte{[]byte("MGET"), []byte("a"), []byte("b"), []byte("c")}}
	key, ok := m.Key()
	if !ok || string(key) != "a" {
		t.Fatalf("expected key 'a', got %q (ok=%v)", key, ok)
	}

	keys := m.Keys(1)
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}

	mset := Message{Args: [][]byte{[]byte("MSET"), []byte("a"), []byte("1"), []byte("b"), []byte("2")}}
	keys = mset.Keys(2)
	if len(keys) != 2 || string(keys[0]) != "a" || string(keys[1]) != "b" {
		t.Fatalf("expected [a b], got %v", keys)
	}
}

func TestMessageCommandUppercases(t *testing.T) {
	m := Message{Args: [][]byte{[]byte("get")}}
	if m.Command() != "GET" {
		t.Fatalf("expected GET, got %q", m.Command())
	}
}

func TestMessageCommandEmpty(t *testing.T) {
	if (Message{}).Command() != "" {
		t.Fatal("expected empty command for a message with no args")
	}
}

func TestEqualFoldCommand(t *testing.T) {
	m := Message{Args: [][]byte{[]byte("Quit")}}
	if !EqualFoldCommand(m, "QUIT") {
		t.Fatal("expected case-insensitive match")
	}
	if EqualFoldCommand(m, "PING") {
		t.Fatal("did not expect a match against PING")
	}
}

func TestMessageEncodeReturnsRaw(t *testing.T) {
	m := Message{Raw: []byte("+OK\r\n")}
	if string(m.Encode()) != "+OK\r\n" {
		t.Fatalf("expected Encode to return Raw verbatim, got %q", m.Encode())
	}
	if m.Size() != len("+OK\r\n") {
		t.Fatalf("expected Size to match len(Raw), got %d", m.Size())
	}
}
