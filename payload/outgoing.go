package payload

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type outgoingBytes struct {
	base
	data      []byte
	offset    int
	chunkSize int
}

func (o *outgoingBytes) DetachNextChunk() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.usableLocked(); err != nil {
		return nil, err
	}
	if o.offset >= len(o.data) {
		return nil, nil
	}
	end := min(o.offset+o.chunkSize, len(o.data))
	chunk := o.data[o.offset:end:end]
	o.offset = end
	return chunk, nil
}

func (o *outgoingBytes) AttachNextChunk([]byte) error { return ErrWrongDirection }

func (o *outgoingBytes) ReleasePayload() *Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.releaseLocked()
}

func (o *outgoingBytes) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

type outgoingFile struct {
	base
	file      *os.File
	offset    int64
	chunkSize int
}

func (o *outgoingFile) DetachNextChunk() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.usableLocked(); err != nil {
		return nil, err
	}

	remaining := o.total - o.offset
	if remaining <= 0 {
		return nil, nil
	}
	buf := make([]byte, min(int64(o.chunkSize), remaining))
	n, err := o.file.ReadAt(buf, o.offset)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			// The file shrank underneath us; end the transfer early.
			o.total = o.offset
			return nil, nil
		}
		return nil, fmt.Errorf("read payload file at %d: %w", o.offset, err)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read payload file at %d: %w", o.offset, err)
	}
	o.offset += int64(n)
	return buf[:n], nil
}

func (o *outgoingFile) AttachNextChunk([]byte) error { return ErrWrongDirection }

func (o *outgoingFile) ReleasePayload() *Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.releaseLocked()
	o.file = nil
	return p
}

func (o *outgoingFile) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.released || o.file == nil {
		return
	}
	if err := o.file.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "outgoingFile.Close",
			"payload_id": o.id,
			"error":      err.Error(),
		}).Warn("Failed to close payload file")
	}
	o.payload.file = nil
}

type outgoingStream struct {
	base
	stream    io.ReadCloser
	chunkSize int
	eof       bool
}

// DetachNextChunk returns whatever one successful read yields, up to the
// chunk size. Empty reads are retried so a non-nil chunk is never empty.
// The lock is not held across the read so Close can interrupt it.
func (o *outgoingStream) DetachNextChunk() ([]byte, error) {
	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if o.eof {
		o.mu.Unlock()
		return nil, nil
	}
	stream := o.stream
	o.mu.Unlock()

	buf := make([]byte, o.chunkSize)
	for {
		n, err := stream.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			o.mu.Lock()
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return nil, ErrPayloadClosed
			}
			return nil, fmt.Errorf("read payload stream: %w", err)
		}
		if err != nil {
			o.mu.Lock()
			o.eof = true
			o.mu.Unlock()
		}
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, nil
		}
	}
}

func (o *outgoingStream) AttachNextChunk([]byte) error { return ErrWrongDirection }

func (o *outgoingStream) ReleasePayload() *Payload {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.releaseLocked()
	o.stream = nil
	return p
}

// Close closes the source stream, which unblocks a pending read for
// readers such as pipes and sockets.
func (o *outgoingStream) Close() {
	o.mu.Lock()
	released, stream := o.released, o.stream
	alreadyClosed := o.closed
	o.closed = true
	o.mu.Unlock()

	if alreadyClosed || released || stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "outgoingStream.Close",
			"payload_id": o.id,
			"error":      err.Error(),
		}).Warn("Failed to close payload stream")
	}
}
