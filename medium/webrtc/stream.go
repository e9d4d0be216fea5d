package webrtc

import (
	"errors"
	"io"
	"sync"
)

const (
	// maxMessageSize bounds each data channel message written.
	maxMessageSize = 16 * 1024
	// readBufferSize must hold the largest message a peer may send.
	readBufferSize = 64 * 1024
)

// stream turns a detached, message oriented data channel into a byte
// stream. Closing it also closes the owning peer connection.
type stream struct {
	conn    io.ReadWriteCloser
	onClose func() error

	readMu  sync.Mutex
	buf     []byte
	pending []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newStream(conn io.ReadWriteCloser, onClose func() error) *stream {
	return &stream{conn: conn, onClose: onClose, buf: make([]byte, readBufferSize)}
}

func (s *stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.pending) == 0 {
		n, err := s.conn.Read(s.buf)
		if err != nil {
			return 0, err
		}
		s.pending = s.buf[:n]
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		n := min(len(p), maxMessageSize)
		if _, err := s.conn.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		err := s.conn.Close()
		if s.onClose != nil {
			err = errors.Join(err, s.onClose())
		}
		s.closeErr = err
	})
	return s.closeErr
}
