package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/medium"
	"github.com/sirupsen/logrus"
)

// Direction records which side opened the channel. It has no effect on
// I/O.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Option configures an EndpointChannel.
type Option func(*EndpointChannel)

// WithMaxFrameSize lowers or raises the largest frame Read and Write accept.
func WithMaxFrameSize(n int) Option {
	return func(c *EndpointChannel) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// EndpointChannel is a framed, bidirectional byte channel over one
// medium.Socket. Read and Write may run concurrently with each other; Close
// may be called from any goroutine and never waits for in-flight I/O.
type EndpointChannel struct {
	name      string
	direction Direction
	kind      medium.Kind
	socket    medium.Socket
	maxFrame  int

	readMu  sync.Mutex
	readErr error

	writeMu  sync.Mutex
	writeErr error

	closeOnce sync.Once
	closed    atomic.Bool

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

// CreateOutgoing wraps a socket this side dialed.
func CreateOutgoing(name string, socket medium.Socket, opts ...Option) *EndpointChannel {
	return create(name, Outgoing, socket, opts)
}

// CreateIncoming wraps a socket this side accepted.
func CreateIncoming(name string, socket medium.Socket, opts ...Option) *EndpointChannel {
	return create(name, Incoming, socket, opts)
}

func create(name string, dir Direction, socket medium.Socket, opts []Option) *EndpointChannel {
	c := &EndpointChannel{
		name:      name,
		direction: dir,
		kind:      socket.Kind(),
		socket:    socket,
		maxFrame:  limits.MaxFrameSize,
	}
	c.pauseCond = sync.NewCond(&c.pauseMu)
	for _, opt := range opts {
		opt(c)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "channel.create",
		"name":        name,
		"direction":   dir.String(),
		"medium":      c.kind.String(),
		"remote_addr": socket.RemoteAddr(),
	}).Info("Endpoint channel created")

	return c
}

// Name returns the channel name given at creation.
func (c *EndpointChannel) Name() string { return c.name }

// Direction reports whether the channel was dialed or accepted.
func (c *EndpointChannel) Direction() Direction { return c.direction }

// Medium reports the radio the channel runs over.
func (c *EndpointChannel) Medium() medium.Kind { return c.kind }

// IsClosed reports whether Close has been called.
func (c *EndpointChannel) IsClosed() bool { return c.closed.Load() }

// LastReadTime is the time the last complete frame was read, zero if none.
func (c *EndpointChannel) LastReadTime() time.Time { return unixNano(c.lastRead.Load()) }

// LastWriteTime is the time the last frame was written, zero if none.
func (c *EndpointChannel) LastWriteTime() time.Time { return unixNano(c.lastWrite.Load()) }

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Read blocks for the next frame and returns its body.
func (c *EndpointChannel) Read() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed.Load() {
		return nil, c.newError("read", ErrChannelClosed)
	}
	if c.readErr != nil {
		return nil, c.readErr
	}

	data, err := c.readFrame()
	if err != nil {
		return nil, c.failRead(err)
	}

	c.lastRead.Store(time.Now().UnixNano())

	logrus.WithFields(logrus.Fields{
		"function":   "EndpointChannel.Read",
		"name":       c.name,
		"medium":     c.kind.String(),
		"frame_size": len(data),
	}).Debug("Frame read")

	return data, nil
}

func (c *EndpointChannel) readFrame() ([]byte, error) {
	var header [limits.FrameLengthPrefix]byte
	if _, err := io.ReadFull(c.socket, header[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrameSize(int(length), c.maxFrame); err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.socket, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}

// failRead records err as the channel's terminal read error. Errors caused
// by a concurrent Close are reported as ErrChannelClosed.
func (c *EndpointChannel) failRead(err error) error {
	if c.closed.Load() {
		return c.newError("read", ErrChannelClosed)
	}
	c.readErr = c.newError("read", err)

	logrus.WithFields(logrus.Fields{
		"function": "EndpointChannel.Read",
		"name":     c.name,
		"medium":   c.kind.String(),
		"error":    err.Error(),
	}).Warn("Channel read failed")

	return c.readErr
}

// Write sends data as one frame. It blocks while the channel is paused.
func (c *EndpointChannel) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return c.newError("write", ErrChannelClosed)
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if err := limits.ValidateFrameSize(len(data), c.maxFrame); err != nil {
		return c.newError("write", err)
	}
	if !c.waitWritable() {
		return c.newError("write", ErrChannelClosed)
	}

	frame := make([]byte, limits.FrameLengthPrefix+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[limits.FrameLengthPrefix:], data)

	n, err := c.socket.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if c.closed.Load() {
			return c.newError("write", ErrChannelClosed)
		}
		c.writeErr = c.newError("write", err)

		logrus.WithFields(logrus.Fields{
			"function": "EndpointChannel.Write",
			"name":     c.name,
			"medium":   c.kind.String(),
			"error":    err.Error(),
		}).Warn("Channel write failed")

		return c.writeErr
	}

	c.lastWrite.Store(time.Now().UnixNano())

	logrus.WithFields(logrus.Fields{
		"function":   "EndpointChannel.Write",
		"name":       c.name,
		"medium":     c.kind.String(),
		"frame_size": len(data),
	}).Debug("Frame written")

	return nil
}

// waitWritable blocks while paused and reports whether the channel is
// still open.
func (c *EndpointChannel) waitWritable() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	for c.paused && !c.closed.Load() {
		c.pauseCond.Wait()
	}
	return !c.closed.Load()
}

// Pause makes subsequent Writes block until Resume or Close.
func (c *EndpointChannel) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = true
}

// Resume releases Writes blocked by Pause.
func (c *EndpointChannel) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = false
	c.pauseCond.Broadcast()
}

// IsPaused reports whether writes are currently held.
func (c *EndpointChannel) IsPaused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// Close releases the socket. Only the first call has any effect; blocked
// Read and Write calls return ErrChannelClosed.
func (c *EndpointChannel) Close() {
	c.closeOnce.Do(c.closeImpl)
}

func (c *EndpointChannel) closeImpl() {
	c.closed.Store(true)

	c.pauseMu.Lock()
	c.pauseCond.Broadcast()
	c.pauseMu.Unlock()

	fields := logrus.Fields{
		"function": "EndpointChannel.Close",
		"name":     c.name,
		"medium":   c.kind.String(),
	}
	if err := c.socket.Close(); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Socket close failed")
		return
	}
	logrus.WithFields(fields).Info("Endpoint channel closed")
}
