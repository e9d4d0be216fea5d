package payload

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/nearby/frame"
	"github.com/opd-ai/nearby/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pump moves every chunk from out to in and returns the chunks seen.
func pump(t *testing.T, out, in Internal) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := out.DetachNextChunk()
		require.NoError(t, err)
		if chunk == nil {
			require.NoError(t, in.AttachNextChunk(nil))
			return chunks
		}
		require.NotEmpty(t, chunk, "detach must never return an empty non-nil chunk")
		chunks = append(chunks, chunk)
		require.NoError(t, in.AttachNextChunk(chunk))
	}
}

func TestBytesRoundTrip(t *testing.T) {
	const chunkSize = 1024
	tests := []struct {
		name       string
		size       int
		wantChunks int
	}{
		{"empty", 0, 0},
		{"smaller than a chunk", 100, 1},
		{"exact chunk", chunkSize, 1},
		{"exact multiple", 4 * chunkSize, 4},
		{"many chunks with tail", 10*chunkSize + 17, 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xab}, tt.size)
			for i := range data {
				data[i] = byte(i)
			}
			p := NewBytes(data)

			out, err := NewOutgoing(p, chunkSize)
			require.NoError(t, err)
			assert.Equal(t, frame.PayloadBytes, out.Type())
			assert.Equal(t, int64(tt.size), out.TotalSize())

			in, err := NewIncoming(out.Header(), IncomingOptions{})
			require.NoError(t, err)

			chunks := pump(t, out, in)
			assert.Len(t, chunks, tt.wantChunks)
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c), chunkSize)
			}

			// Exhausted stays exhausted.
			chunk, err := out.DetachNextChunk()
			assert.NoError(t, err)
			assert.Nil(t, chunk)

			got := in.ReleasePayload()
			require.NotNil(t, got)
			assert.Equal(t, p.ID(), got.ID())
			assert.Equal(t, data, got.Bytes())
		})
	}
}

func TestIncomingBytesLimits(t *testing.T) {
	h := frame.PayloadHeader{ID: 9, Type: frame.PayloadBytes, TotalSize: 4}
	in, err := NewIncoming(h, IncomingOptions{})
	require.NoError(t, err)

	require.NoError(t, in.AttachNextChunk([]byte("abc")))
	assert.ErrorIs(t, in.AttachNextChunk([]byte("de")), ErrSizeExceeded)
	require.NoError(t, in.AttachNextChunk([]byte("d")))
	require.NoError(t, in.AttachNextChunk(nil))
	assert.ErrorIs(t, in.AttachNextChunk([]byte("e")), ErrAlreadyFinalized)
	assert.ErrorIs(t, in.AttachNextChunk(nil), ErrAlreadyFinalized)

	_, err = NewIncoming(frame.PayloadHeader{ID: 1, Type: frame.PayloadBytes, TotalSize: -1}, IncomingOptions{})
	assert.ErrorIs(t, err, ErrInvalidHeader)

	_, err = NewIncoming(frame.PayloadHeader{ID: 1, Type: frame.PayloadBytes, TotalSize: 11}, IncomingOptions{MaxBytesSize: 10})
	assert.ErrorIs(t, err, ErrInvalidHeader)

	_, err = NewIncoming(frame.PayloadHeader{ID: 1, Type: frame.PayloadUnknown}, IncomingOptions{})
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestWrongDirection(t *testing.T) {
	out, err := NewOutgoing(NewBytes([]byte("x")), 1)
	require.NoError(t, err)
	assert.ErrorIs(t, out.AttachNextChunk([]byte("y")), ErrWrongDirection)

	in, err := NewIncoming(out.Header(), IncomingOptions{})
	require.NoError(t, err)
	_, err = in.DetachNextChunk()
	assert.ErrorIs(t, err, ErrWrongDirection)
}

func TestNewOutgoingValidatesChunkSize(t *testing.T) {
	_, err := NewOutgoing(NewBytes([]byte("x")), 0)
	assert.ErrorIs(t, err, limits.ErrInvalidChunkSize)

	_, err = NewOutgoing(NewBytes([]byte("x")), limits.MaxChunkSize+1)
	assert.ErrorIs(t, err, limits.ErrInvalidChunkSize)

	_, err = NewOutgoing(nil, limits.DefaultChunkSize)
	assert.Error(t, err)
}

func TestReleaseThenQuery(t *testing.T) {
	p := NewBytes([]byte("hello"))
	out, err := NewOutgoing(p, 2)
	require.NoError(t, err)

	first, err := out.DetachNextChunk()
	require.NoError(t, err)
	assert.Equal(t, "he", string(first))

	released := out.ReleasePayload()
	assert.Same(t, p, released)
	assert.Nil(t, out.ReleasePayload(), "ownership moves exactly once")

	assert.Equal(t, p.ID(), out.ID())
	assert.Equal(t, frame.PayloadBytes, out.Type())

	_, err = out.DetachNextChunk()
	assert.ErrorIs(t, err, ErrPayloadReleased)

	out.Close()
	assert.Equal(t, []byte("hello"), released.Bytes())
}

func TestFileRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.pdf")
	data := bytes.Repeat([]byte("0123456789"), 5000)
	require.NoError(t, os.WriteFile(src, data, 0o600))

	p, err := OpenFile(src)
	require.NoError(t, err)
	assert.Equal(t, KindFile, p.Kind())
	assert.Equal(t, int64(len(data)), p.Size())

	out, err := NewOutgoing(p, 4096)
	require.NoError(t, err)
	h := out.Header()
	assert.Equal(t, "report.pdf", h.FileName)
	assert.Equal(t, frame.PayloadFile, h.Type)

	dir := t.TempDir()
	in, err := NewIncoming(h, IncomingOptions{DownloadDir: dir})
	require.NoError(t, err)

	chunks := pump(t, out, in)
	assert.Len(t, chunks, (len(data)+4095)/4096)
	out.Close()
	out.Close()

	got := in.ReleasePayload()
	require.NotNil(t, got)
	assert.Equal(t, filepath.Join(dir, "report.pdf"), got.FilePath())
	assert.Equal(t, int64(len(data)), got.Size())

	written, err := os.ReadFile(got.FilePath())
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestIncomingFileNameCollisionsAndSanitizing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("taken"), 0o600))

	h := frame.PayloadHeader{ID: 5, Type: frame.PayloadFile, TotalSize: 1, FileName: "../../a.txt"}
	in, err := NewIncoming(h, IncomingOptions{DownloadDir: dir})
	require.NoError(t, err)
	require.NoError(t, in.AttachNextChunk([]byte("x")))
	require.NoError(t, in.AttachNextChunk(nil))

	got := in.ReleasePayload()
	assert.Equal(t, filepath.Join(dir, "a (1).txt"), got.FilePath())

	assert.Equal(t, "77", sanitizeFileName("", 77))
	assert.Equal(t, "evil.sh", sanitizeFileName(`..\..\evil.sh`, 1))
}

func TestIncomingFileCloseRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	h := frame.PayloadHeader{ID: 6, Type: frame.PayloadFile, TotalSize: 10, FileName: "partial.bin"}
	in, err := NewIncoming(h, IncomingOptions{DownloadDir: dir})
	require.NoError(t, err)
	require.NoError(t, in.AttachNextChunk([]byte("12345")))
	assert.ErrorIs(t, in.AttachNextChunk([]byte("123456")), ErrSizeExceeded)

	in.Close()
	in.Close()

	_, err = os.Stat(filepath.Join(dir, "partial.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.ErrorIs(t, in.AttachNextChunk([]byte("x")), ErrPayloadClosed)
}

func TestFinalizeShortOfDeclaredSize(t *testing.T) {
	in, err := NewIncoming(frame.PayloadHeader{ID: 11, Type: frame.PayloadBytes, TotalSize: 10}, IncomingOptions{})
	require.NoError(t, err)
	require.NoError(t, in.AttachNextChunk([]byte("12345")))
	assert.ErrorIs(t, in.AttachNextChunk(nil), ErrSizeMismatch)
	in.Close()

	dir := t.TempDir()
	h := frame.PayloadHeader{ID: 12, Type: frame.PayloadFile, TotalSize: 10, FileName: "short.bin"}
	in, err = NewIncoming(h, IncomingOptions{DownloadDir: dir})
	require.NoError(t, err)
	require.NoError(t, in.AttachNextChunk([]byte("12345")))
	assert.ErrorIs(t, in.AttachNextChunk(nil), ErrSizeMismatch)

	in.Close()
	_, err = os.Stat(filepath.Join(dir, "short.bin"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "short file must not be kept")
}

func TestIncomingFileRequiresDownloadDir(t *testing.T) {
	_, err := NewIncoming(frame.PayloadHeader{ID: 1, Type: frame.PayloadFile, TotalSize: 1}, IncomingOptions{})
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

// trickleReader returns data in small pieces with empty reads in between.
type trickleReader struct {
	data   []byte
	step   int
	empty  bool
	closed bool
}

func (r *trickleReader) Read(p []byte) (int, error) {
	r.empty = !r.empty
	if r.empty {
		return 0, nil
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data[:min(r.step, len(r.data))])
	r.data = r.data[n:]
	return n, nil
}

func (r *trickleReader) Close() error {
	r.closed = true
	return nil
}

func TestStreamRoundTrip(t *testing.T) {
	data := []byte("streaming payload of unknown length")
	src := &trickleReader{data: append([]byte{}, data...), step: 4}
	p := NewStream(src)

	out, err := NewOutgoing(p, 1024)
	require.NoError(t, err)
	assert.Equal(t, UnknownSize, out.TotalSize())
	assert.Equal(t, frame.PayloadStream, out.Type())

	in, err := NewIncoming(out.Header(), IncomingOptions{})
	require.NoError(t, err)
	assert.Equal(t, UnknownSize, in.TotalSize())

	// The receiver reads through the released payload while chunks arrive.
	recv := in.ReleasePayload()
	require.NotNil(t, recv)
	readDone := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(recv.Stream())
		readDone <- b
	}()

	chunks := pump(t, out, in)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 4)
	}

	select {
	case got := <-readDone:
		assert.Equal(t, data, got)
	case <-time.After(2 * time.Second):
		t.Fatal("stream reader did not finish")
	}

	out.Close()
	assert.True(t, src.closed)
}

func TestIncomingStreamCloseBreaksReader(t *testing.T) {
	in, err := NewIncoming(frame.PayloadHeader{ID: 2, Type: frame.PayloadStream, TotalSize: UnknownSize}, IncomingOptions{})
	require.NoError(t, err)
	recv := in.ReleasePayload()

	errCh := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(recv.Stream())
		errCh <- err
	}()

	in.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPayloadClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by Close")
	}
}

func TestOutgoingStreamCloseUnblocksDetach(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	out, err := NewOutgoing(NewStream(r), 64)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := out.DetachNextChunk()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	out.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPayloadClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock DetachNextChunk")
	}
}

func TestCloseIsIdempotentForEveryKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	fp, err := OpenFile(path)
	require.NoError(t, err)

	payloads := []*Payload{NewBytes(nil), fp, NewStream(io.NopCloser(bytes.NewReader(nil)))}
	for _, p := range payloads {
		out, err := NewOutgoing(p, 8)
		require.NoError(t, err)
		assert.NotPanics(t, func() {
			out.Close()
			out.Close()
		})
		_, err = out.DetachNextChunk()
		assert.ErrorIs(t, err, ErrPayloadClosed)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := NewBytes(nil).ID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
