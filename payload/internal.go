package payload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/nearby/frame"
	"github.com/opd-ai/nearby/limits"
)

// UnknownSize is the TotalSize of payloads whose length is not known up
// front.
const UnknownSize int64 = -1

var (
	// ErrAlreadyFinalized indicates a chunk attached after the final one.
	ErrAlreadyFinalized = errors.New("payload already finalized")

	// ErrSizeExceeded indicates more data than the declared total size.
	ErrSizeExceeded = errors.New("payload exceeds declared size")

	// ErrSizeMismatch indicates a payload finalized short of its declared
	// total size.
	ErrSizeMismatch = errors.New("payload shorter than declared size")

	// ErrPayloadReleased indicates use of an Internal after ReleasePayload.
	ErrPayloadReleased = errors.New("payload released")

	// ErrPayloadClosed indicates use of an Internal after Close.
	ErrPayloadClosed = errors.New("payload closed")

	// ErrWrongDirection indicates Attach on an outgoing payload or Detach
	// on an incoming one.
	ErrWrongDirection = errors.New("operation not supported in this direction")

	// ErrInvalidHeader indicates an incoming header that cannot be honoured.
	ErrInvalidHeader = errors.New("invalid payload header")

	// ErrNotRegularFile indicates a file payload built from a directory.
	ErrNotRegularFile = errors.New("not a regular file")
)

// Internal binds one Payload to the chunk stream that carries it.
//
// On the send side DetachNextChunk yields bounded chunks until it returns
// nil. On the receive side AttachNextChunk appends chunks and a nil chunk
// finalizes. Only one goroutine may produce or consume chunks at a time.
type Internal interface {
	ID() ID
	Type() frame.PayloadType
	// TotalSize is the byte length, or UnknownSize.
	TotalSize() int64
	// Header describes the payload for transfer frames.
	Header() frame.PayloadHeader

	DetachNextChunk() ([]byte, error)
	AttachNextChunk(chunk []byte) error

	// ReleasePayload hands the Payload back to the caller. Afterwards only
	// ID, Type, TotalSize and Header keep working.
	ReleasePayload() *Payload

	// Close releases file and stream handles. It is idempotent.
	Close()
}

// base holds what every Internal shares. mu guards released, closed and the
// embedding type's cursor state.
type base struct {
	mu       sync.Mutex
	id       ID
	kind     Kind
	total    int64
	fileName string
	payload  *Payload
	released bool
	closed   bool
}

func (b *base) ID() ID { return b.id }

func (b *base) Type() frame.PayloadType { return b.kind.wireType() }

func (b *base) TotalSize() int64 { return b.total }

func (b *base) Header() frame.PayloadHeader {
	return frame.PayloadHeader{
		ID:        int64(b.id),
		Type:      b.kind.wireType(),
		TotalSize: b.total,
		FileName:  b.fileName,
	}
}

// usableLocked reports why the Internal can no longer move data, if it can't.
func (b *base) usableLocked() error {
	if b.released {
		return ErrPayloadReleased
	}
	if b.closed {
		return ErrPayloadClosed
	}
	return nil
}

// releaseLocked marks the Internal released and returns its payload once.
func (b *base) releaseLocked() *Payload {
	if b.released {
		return nil
	}
	b.released = true
	p := b.payload
	b.payload = nil
	return p
}

// NewOutgoing takes ownership of p and prepares it for chunked sending.
func NewOutgoing(p *Payload, chunkSize int) (Internal, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidHeader)
	}
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	switch p.kind {
	case KindBytes:
		o := &outgoingBytes{data: p.bytes, chunkSize: chunkSize}
		o.initOutgoing(p)
		return o, nil
	case KindFile:
		o := &outgoingFile{file: p.file, chunkSize: chunkSize}
		o.initOutgoing(p)
		return o, nil
	case KindStream:
		o := &outgoingStream{stream: p.stream, chunkSize: chunkSize}
		o.initOutgoing(p)
		return o, nil
	default:
		return nil, fmt.Errorf("%w: payload kind %s", ErrInvalidHeader, p.kind)
	}
}

// initOutgoing fills b in place from the payload it will send.
func (b *base) initOutgoing(p *Payload) {
	b.id = p.id
	b.kind = p.kind
	b.total = p.Size()
	b.fileName = p.fileName
	b.payload = p
}

// IncomingOptions controls where received payloads land.
type IncomingOptions struct {
	// DownloadDir receives file payloads. It must exist.
	DownloadDir string
	// MaxBytesSize caps in-memory bytes payloads. Zero means
	// DefaultMaxBytesSize.
	MaxBytesSize int64
}

// DefaultMaxBytesSize bounds bytes payloads held in memory.
const DefaultMaxBytesSize int64 = 64 * 1024 * 1024

// NewIncoming builds the receive side for the payload announced by h.
func NewIncoming(h frame.PayloadHeader, opts IncomingOptions) (Internal, error) {
	switch h.Type {
	case frame.PayloadBytes:
		return newIncomingBytes(h, opts)
	case frame.PayloadFile:
		return newIncomingFile(h, opts)
	case frame.PayloadStream:
		return newIncomingStream(h), nil
	default:
		return nil, fmt.Errorf("%w: payload type %s", ErrInvalidHeader, h.Type)
	}
}
