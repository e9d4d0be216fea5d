package transfer

import (
	"io"
	"sync"
	"time"

	"github.com/opd-ai/nearby/frame"
)

// mockTimeProvider is a manually advanced clock.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// frameQueue is a FrameReader that replays queued frames, then io.EOF.
type frameQueue struct {
	frames [][]byte
}

func (q *frameQueue) push(f *frame.PayloadTransferFrame) {
	q.frames = append(q.frames, frame.Marshal(f))
}

func (q *frameQueue) Read() ([]byte, error) {
	if len(q.frames) == 0 {
		return nil, io.EOF
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, nil
}

// frameRecorder is a FrameWriter that decodes and keeps every frame.
type frameRecorder struct {
	mu     sync.Mutex
	frames []*frame.PayloadTransferFrame
	err    error
}

func (r *frameRecorder) Write(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	f, err := frame.Unmarshal(data)
	if err != nil {
		return err
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) all() []*frame.PayloadTransferFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.PayloadTransferFrame(nil), r.frames...)
}
