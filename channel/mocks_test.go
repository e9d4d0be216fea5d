package channel

import (
	"net"
	"sync/atomic"

	"github.com/opd-ai/nearby/medium"
)

// countingConn wraps one end of a net.Pipe and counts Close calls.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// socketPair returns two connected sockets over an in-memory pipe and the
// raw conn behind the first one.
func socketPair(kind medium.Kind) (medium.Socket, medium.Socket, *countingConn) {
	a, b := net.Pipe()
	ca := &countingConn{Conn: a}
	return medium.NewSocket(kind, ca, "peer-b"), medium.NewSocket(kind, b, "peer-a"), ca
}
