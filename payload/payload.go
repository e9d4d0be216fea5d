package payload

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/opd-ai/nearby/frame"
)

// ID identifies a payload within this process and on the wire.
type ID int64

var lastID atomic.Int64

func init() {
	lastID.Store(rand.Int64N(1 << 52))
}

// NextID returns a new process-unique payload id.
func NextID() ID {
	return ID(lastID.Add(1))
}

// Kind is the shape of the data a Payload carries.
type Kind int

const (
	KindBytes Kind = iota
	KindFile
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindFile:
		return "file"
	case KindStream:
		return "stream"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// wireType maps a Kind to its frame tag.
func (k Kind) wireType() frame.PayloadType {
	switch k {
	case KindBytes:
		return frame.PayloadBytes
	case KindFile:
		return frame.PayloadFile
	case KindStream:
		return frame.PayloadStream
	default:
		return frame.PayloadUnknown
	}
}

// Payload is user data to send or that has been received. A Payload is
// owned by exactly one holder at a time; passing it to NewOutgoing hands it
// to the transfer layer until ReleasePayload.
type Payload struct {
	id   ID
	kind Kind

	bytes []byte

	file     *os.File
	filePath string
	fileName string
	fileSize int64

	stream io.ReadCloser
}

// NewBytes wraps an in-memory byte slice. The slice must not be modified
// while the payload is in flight.
func NewBytes(b []byte) *Payload {
	if b == nil {
		b = []byte{}
	}
	return &Payload{id: NextID(), kind: KindBytes, bytes: b}
}

// NewFile wraps an open file. Its current size is the payload size.
func NewFile(f *os.File) (*Payload, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", f.Name(), ErrNotRegularFile)
	}
	return &Payload{
		id:       NextID(),
		kind:     KindFile,
		file:     f,
		filePath: f.Name(),
		fileName: filepath.Base(f.Name()),
		fileSize: info.Size(),
	}, nil
}

// OpenFile opens path for reading and wraps it as a file payload.
func OpenFile(path string) (*Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payload file: %w", err)
	}
	p, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// NewStream wraps a reader of unknown length.
func NewStream(r io.ReadCloser) *Payload {
	return &Payload{id: NextID(), kind: KindStream, stream: r}
}

// ID returns the payload id.
func (p *Payload) ID() ID { return p.id }

// Kind returns the payload shape.
func (p *Payload) Kind() Kind { return p.kind }

// Bytes returns the data of a bytes payload.
func (p *Payload) Bytes() []byte { return p.bytes }

// File returns the open file of a file payload, nil once the file has been
// closed by the transfer layer.
func (p *Payload) File() *os.File { return p.file }

// FilePath returns where a file payload lives on disk.
func (p *Payload) FilePath() string { return p.filePath }

// FileName returns the name a file payload is announced under.
func (p *Payload) FileName() string { return p.fileName }

// Size returns the payload size, UnknownSize for streams.
func (p *Payload) Size() int64 {
	switch p.kind {
	case KindBytes:
		return int64(len(p.bytes))
	case KindFile:
		return p.fileSize
	default:
		return UnknownSize
	}
}

// Stream returns the reader of a stream payload.
func (p *Payload) Stream() io.ReadCloser { return p.stream }
