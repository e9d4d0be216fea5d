package medium

import (
	"io"
	"sync"
	"sync/atomic"
)

// StreamSocket adapts any io.ReadWriteCloser into a Socket with idempotent
// Close. Backends wrap their net.Conn, RFCOMM file or data channel in it.
type StreamSocket struct {
	kind   Kind
	remote string
	conn   io.ReadWriteCloser

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// NewSocket wraps conn as a Socket of the given kind.
func NewSocket(kind Kind, conn io.ReadWriteCloser, remote string) *StreamSocket {
	return &StreamSocket{
		kind:   kind,
		remote: remote,
		conn:   conn,
	}
}

// InvalidSocket returns a socket that carries no connection. Backends use it
// to report "connected to nothing" without an error.
func InvalidSocket(kind Kind) *StreamSocket {
	return &StreamSocket{kind: kind}
}

// Read implements io.Reader.
func (s *StreamSocket) Read(p []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrInvalidSocket
	}
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	return s.conn.Read(p)
}

// Write implements io.Writer.
func (s *StreamSocket) Write(p []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrInvalidSocket
	}
	if s.closed.Load() {
		return 0, ErrSocketClosed
	}
	return s.conn.Write(p)
}

// Close closes the underlying connection exactly once. Later calls return
// the first call's result.
func (s *StreamSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}

// Kind returns the medium that produced the socket.
func (s *StreamSocket) Kind() Kind { return s.kind }

// RemoteAddr returns the peer address.
func (s *StreamSocket) RemoteAddr() string { return s.remote }

// IsValid reports whether the socket wraps a connection and is still open.
func (s *StreamSocket) IsValid() bool {
	return s.conn != nil && !s.closed.Load()
}
