package backend

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
)

// readReply reads exactly one complete RESP2 value from r and returns its
// raw wire bytes, unparsed beyond what's needed to find the end of the
// value. Arrays are handled recursively so that unexpected multi-bulk
// replies don't desynchronize the connection, even though none of the
// commands this proxy forwards are expected to produce one.
func readReply(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if err := copyReplyInto(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func copyReplyInto(buf *bytes.Buffer, r *bufio.Reader) error {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return &resp.ProtocolError{Reason: "backend reply line not CRLF-terminated"}
	}
	buf.Write(line)

	switch line[0] {
	case '+', '-', ':':
		return nil

	case '$':
		n, err := strconv.Atoi(string(line[1 : len(line)-2]))
		if err != nil {
			return &resp.ProtocolError{Reason: "malformed bulk reply length"}
		}
		if n < 0 {
			return nil
		}
		body := make([]byte, n+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		buf.Write(body)
		return nil

	case '*':
		n, err := strconv.Atoi(string(line[1 : len(line)-2]))
		if err != nil {
			return &resp.ProtocolError{Reason: "malformed array reply length"}
		}
		for i := 0; i < n; i++ {
			if err := copyReplyInto(buf, r); err != nil {
				return err
			}
		}
		return nil

	default:
		return &resp.ProtocolError{Reason: "unrecognized reply type byte"}
	}
}
