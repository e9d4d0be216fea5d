package payload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opd-ai/nearby/frame"
	"github.com/sirupsen/logrus"
)

type incomingBytes struct {
	base
	buf       []byte
	finalized bool
}

func newIncomingBytes(h frame.PayloadHeader, opts IncomingOptions) (*incomingBytes, error) {
	maxSize := opts.MaxBytesSize
	if maxSize <= 0 {
		maxSize = DefaultMaxBytesSize
	}
	if h.TotalSize < 0 || h.TotalSize > maxSize {
		return nil, fmt.Errorf("%w: bytes payload size %d not in [0, %d]", ErrInvalidHeader, h.TotalSize, maxSize)
	}
	return &incomingBytes{
		base: base{id: ID(h.ID), kind: KindBytes, total: h.TotalSize},
		buf:  make([]byte, 0, h.TotalSize),
	}, nil
}

func (in *incomingBytes) DetachNextChunk() ([]byte, error) { return nil, ErrWrongDirection }

func (in *incomingBytes) AttachNextChunk(chunk []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.usableLocked(); err != nil {
		return err
	}
	if in.finalized {
		return ErrAlreadyFinalized
	}
	if chunk == nil {
		if int64(len(in.buf)) != in.total {
			return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, len(in.buf), in.total)
		}
		in.finalized = true
		return nil
	}
	if int64(len(in.buf))+int64(len(chunk)) > in.total {
		return fmt.Errorf("%w: %d + %d > %d", ErrSizeExceeded, len(in.buf), len(chunk), in.total)
	}
	in.buf = append(in.buf, chunk...)
	return nil
}

func (in *incomingBytes) ReleasePayload() *Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.released {
		return nil
	}
	in.payload = &Payload{id: in.id, kind: KindBytes, bytes: in.buf}
	in.buf = nil
	return in.releaseLocked()
}

func (in *incomingBytes) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
}

type incomingFile struct {
	base
	file      *os.File
	path      string
	written   int64
	finalized bool
}

func newIncomingFile(h frame.PayloadHeader, opts IncomingOptions) (*incomingFile, error) {
	if opts.DownloadDir == "" {
		return nil, fmt.Errorf("%w: no download directory for file payload", ErrInvalidHeader)
	}
	name := sanitizeFileName(h.FileName, ID(h.ID))
	f, path, err := createUnique(opts.DownloadDir, name)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "newIncomingFile",
		"payload_id": h.ID,
		"path":       path,
		"total_size": h.TotalSize,
	}).Info("Receiving file payload")

	return &incomingFile{
		base: base{id: ID(h.ID), kind: KindFile, total: h.TotalSize, fileName: name},
		file: f,
		path: path,
	}, nil
}

// sanitizeFileName strips directories so a peer cannot write outside the
// download directory.
func sanitizeFileName(name string, id ID) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return strconv.FormatInt(int64(id), 10)
	}
	return name
}

// createUnique creates dir/name, or "name (n)" variants when taken.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create payload file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("create payload file %s: %w", name, os.ErrExist)
}

func (in *incomingFile) DetachNextChunk() ([]byte, error) { return nil, ErrWrongDirection }

func (in *incomingFile) AttachNextChunk(chunk []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if err := in.usableLocked(); err != nil {
		return err
	}
	if in.finalized {
		return ErrAlreadyFinalized
	}
	if chunk == nil {
		if in.total >= 0 && in.written != in.total {
			return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, in.written, in.total)
		}
		in.finalized = true
		if err := in.file.Close(); err != nil {
			return fmt.Errorf("close payload file: %w", err)
		}
		return nil
	}
	if in.total >= 0 && in.written+int64(len(chunk)) > in.total {
		return fmt.Errorf("%w: %d + %d > %d", ErrSizeExceeded, in.written, len(chunk), in.total)
	}
	n, err := in.file.Write(chunk)
	in.written += int64(n)
	if err != nil {
		return fmt.Errorf("write payload file: %w", err)
	}
	return nil
}

func (in *incomingFile) ReleasePayload() *Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.released {
		return nil
	}
	var open *os.File
	if !in.finalized && !in.closed {
		open = in.file
	}
	in.payload = &Payload{
		id:       in.id,
		kind:     KindFile,
		file:     open,
		filePath: in.path,
		fileName: in.fileName,
		fileSize: in.written,
	}
	return in.releaseLocked()
}

// Close closes the file. A file that never received its final chunk is
// removed.
func (in *incomingFile) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	if in.released || in.finalized {
		return
	}
	fields := logrus.Fields{
		"function":   "incomingFile.Close",
		"payload_id": in.id,
		"path":       in.path,
	}
	if err := in.file.Close(); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Failed to close partial payload file")
	}
	if err := os.Remove(in.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Failed to remove partial payload file")
	}
}

type incomingStream struct {
	base
	reader    *io.PipeReader
	writer    *io.PipeWriter
	finalized bool
}

func newIncomingStream(h frame.PayloadHeader) *incomingStream {
	r, w := io.Pipe()
	in := &incomingStream{
		base:   base{id: ID(h.ID), kind: KindStream, total: h.TotalSize, fileName: h.FileName},
		reader: r,
		writer: w,
	}
	in.payload = &Payload{id: in.id, kind: KindStream, stream: r}
	return in
}

func (in *incomingStream) DetachNextChunk() ([]byte, error) { return nil, ErrWrongDirection }

// AttachNextChunk writes into the pipe and blocks until the reader of the
// released payload has consumed the chunk.
func (in *incomingStream) AttachNextChunk(chunk []byte) error {
	in.mu.Lock()
	if err := in.usableLocked(); err != nil && !errors.Is(err, ErrPayloadReleased) {
		in.mu.Unlock()
		return err
	}
	if in.finalized {
		in.mu.Unlock()
		return ErrAlreadyFinalized
	}
	if chunk == nil {
		in.finalized = true
		in.mu.Unlock()
		return in.writer.Close()
	}
	w := in.writer
	in.mu.Unlock()

	if _, err := w.Write(chunk); err != nil {
		return fmt.Errorf("write payload stream: %w", err)
	}
	return nil
}

// ReleasePayload returns the read end of the stream. Chunks can still be
// attached afterwards; that is how the reader receives data.
func (in *incomingStream) ReleasePayload() *Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.releaseLocked()
}

// Close breaks the pipe. Readers of an unfinished stream see
// ErrPayloadClosed; a finalized stream keeps its clean EOF.
func (in *incomingStream) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	if !in.finalized {
		in.writer.CloseWithError(ErrPayloadClosed)
	}
	if !in.released {
		in.reader.Close()
	}
}
