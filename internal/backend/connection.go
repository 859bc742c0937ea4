// Package backend gerencia o ciclo de vida das conexões TCP com um backend
// Redis real: discagem, envio/recebimento de bytes RESP já codificados, a
// máquina de estados que decide quando uma conexão pode ser reaproveitada,
// e o Supervisor que mantém a população de conexões de um backend viva.
package backend

import (
	"bufio"
	"net"
	"time"

	"github.com/rvasconcelos/shardcache-proxy/internal/mqueue"
	"github.com/rvasconcelos/shardcache-proxy/internal/resp"
)

// ConnState represents the lifecycle state of a connection to a backend:
// Idle between batches, InFlight while a batch is being written and its
// replies read, Closed once torn down. A Connection is only built after
// its dial succeeds, so no Connection ever holds ConnStateConnecting.
type ConnState int

const (
	// ConnStateIdle is available for the next batch.
	ConnStateIdle ConnState = iota
	// ConnStateConnecting is mid-dial.
	ConnStateConnecting
	// ConnStateInFlight has a batch currently being written/read.
	ConnStateInFlight
	// ConnStateClosed has been torn down and will not be reused.
	ConnStateClosed
)

// SlotResponse pairs a dispatched slot with the raw response it produced.
type SlotResponse struct {
	SlotID int
	Msg    resp.Message
}

// Connection wraps one upstream TCP session and the buffered reader used
// to frame its replies.
type Connection struct {
	conn net.Conn
	r    *bufio.Reader

	addr  string
	state ConnState

	createdAt  time.Time
	lastUsedAt time.Time
}

// dial opens a fresh TCP connection to addr.
func dial(addr string, dialTimeout time.Duration) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Connection{
		conn:       conn,
		r:          bufio.NewReader(conn),
		addr:       addr,
		state:      ConnStateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// process is the atomic request/response unit: it writes every
// dispatch in batch to the wire in order, then — unless noReply — reads
// exactly len(batch) complete RESP replies and zips them back onto their
// slot IDs. A connection is never handed back to its supervisor mid
// request/response interleaving: process runs start to finish on a single
// goroutine with exclusive ownership of the socket.
func (c *Connection) process(batch []mqueue.Dispatch[resp.Message], noReply bool, ioTimeout time.Duration) ([]SlotResponse, error) {
	c.state = ConnStateInFlight
	defer func() { c.state = ConnStateIdle; c.lastUsedAt = time.Now() }()

	if ioTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(ioTimeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	for _, d := range batch {
		if _, err := c.conn.Write(d.Msg.Raw); err != nil {
			return nil, &resp.UpstreamIOError{Addr: c.addr, Err: err}
		}
	}

	if noReply {
		return nil, nil
	}

	out := make([]SlotResponse, 0, len(batch))
	for _, d := range batch {
		raw, err := readReply(c.r)
		if err != nil {
			return nil, &resp.UpstreamIOError{Addr: c.addr, Err: err}
		}
		out = append(out, SlotResponse{SlotID: d.SlotID, Msg: resp.Message{Raw: raw}})
	}
	return out, nil
}

// Close fecha a conexão TCP subjacente.
func (c *Connection) Close() error {
	c.state = ConnStateClosed
	return c.conn.Close()
}
