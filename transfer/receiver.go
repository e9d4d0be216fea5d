package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/nearby/frame"
	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/payload"
	"github.com/sirupsen/logrus"
)

type incomingTransfer struct {
	internal   payload.Internal
	progress   *Progress
	nextOffset int64
	// attaching is set while AttachNextChunk waits on a stream reader.
	// Guarded by Receiver.mu.
	attaching bool
}

// Receiver reassembles payloads arriving on one endpoint channel.
//
// Stream payloads are handed to OnPayload as soon as their first frame
// arrives; the receive loop then blocks on each chunk until the stream's
// reader has consumed it. Bytes and file payloads are handed over once
// complete.
type Receiver struct {
	opts payload.IncomingOptions

	mu           sync.Mutex
	active       map[payload.ID]*incomingTransfer
	timeProvider TimeProvider
	stallTimeout time.Duration
	onPayload    func(*payload.Payload)
	onProgress   func(Update)
	onComplete   func(Update)
}

// NewReceiver creates a Receiver that lands payloads according to opts.
func NewReceiver(opts payload.IncomingOptions) *Receiver {
	return &Receiver{
		opts:         opts,
		active:       make(map[payload.ID]*incomingTransfer),
		timeProvider: DefaultTimeProvider{},
		stallTimeout: DefaultStallTimeout,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Receiver) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeProvider = tp
}

// SetStallTimeout sets the stall window of payloads that start arriving
// afterwards. Zero disables stall detection.
func (r *Receiver) SetStallTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stallTimeout = timeout
}

// ExpireStalled fails every incoming payload that has received nothing
// within its stall window and returns their ids. A payload whose chunk is
// waiting on a slow reader is not stalled.
func (r *Receiver) ExpireStalled() []payload.ID {
	r.mu.Lock()
	var stalled []payload.ID
	for id, t := range r.active {
		if t.attaching {
			continue
		}
		if err := t.progress.CheckTimeout(); errors.Is(err, ErrTransferStalled) {
			stalled = append(stalled, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stalled {
		r.finish(id, StateFailed, ErrTransferStalled)
	}
	return stalled
}

// OnPayload registers the callback that takes ownership of received payloads.
func (r *Receiver) OnPayload(cb func(*payload.Payload)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPayload = cb
}

// OnProgress registers a callback run after every attached chunk.
func (r *Receiver) OnProgress(cb func(Update)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onProgress = cb
}

// OnComplete registers a callback run once per payload when it completes,
// is canceled or fails.
func (r *Receiver) OnComplete(cb func(Update)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = cb
}

// Active returns the number of payloads currently being received.
func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Run reads frames until rd fails or ctx is done. Cancel a blocked Run by
// closing the channel. Unfinished payloads are closed and reported as
// failed when Run returns.
func (r *Receiver) Run(ctx context.Context, rd FrameReader) error {
	defer r.abortAll(ErrReceiverStopped)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := rd.Read()
		if err != nil {
			return fmt.Errorf("receive frame: %w", err)
		}

		f, err := frame.Unmarshal(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Receiver.Run",
				"frame_size": len(data),
				"error":      err.Error(),
			}).Warn("Dropping malformed frame")
			continue
		}
		r.handleFrame(f)
	}
}

func (r *Receiver) handleFrame(f *frame.PayloadTransferFrame) {
	switch f.PacketType {
	case frame.PacketData:
		r.handleData(f.Header, f.Chunk)
	case frame.PacketControl:
		r.handleControl(f.Header, f.Control)
	}
}

func (r *Receiver) handleData(h frame.PayloadHeader, chunk *frame.PayloadChunk) {
	id := payload.ID(h.ID)
	fields := logrus.Fields{
		"function":   "Receiver.handleData",
		"payload_id": id,
		"offset":     chunk.Offset,
	}

	t, err := r.lookupOrCreate(h, chunk.Offset)
	if errors.Is(err, ErrUnknownPayload) {
		logrus.WithFields(fields).Warn("Dropping chunk for unknown payload")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Cannot receive payload")
		return
	}

	if chunk.Offset != t.nextOffset {
		r.finish(id, StateFailed, fmt.Errorf("%w: got %d, want %d", ErrOffsetMismatch, chunk.Offset, t.nextOffset))
		return
	}
	if err := limits.ValidateChunk(chunk.Body); err != nil {
		r.finish(id, StateFailed, fmt.Errorf("chunk at %d: %w", chunk.Offset, err))
		return
	}

	if len(chunk.Body) > 0 {
		r.setAttaching(t, true)
		err := t.internal.AttachNextChunk(chunk.Body)
		if err == nil {
			t.nextOffset += int64(len(chunk.Body))
			t.progress.Add(len(chunk.Body))
		}
		r.setAttaching(t, false)
		if err != nil {
			r.finish(id, StateFailed, fmt.Errorf("attach chunk at %d: %w", chunk.Offset, err))
			return
		}
		r.report(t.progress.Snapshot())
	}

	if chunk.IsLast() {
		if err := t.internal.AttachNextChunk(nil); err != nil {
			r.finish(id, StateFailed, fmt.Errorf("finalize payload: %w", err))
			return
		}
		r.finish(id, StateCompleted, nil)
	}
}

func (r *Receiver) setAttaching(t *incomingTransfer, attaching bool) {
	r.mu.Lock()
	t.attaching = attaching
	r.mu.Unlock()
}

// lookupOrCreate returns the transfer for h. Only a chunk at offset zero
// starts a new one; later chunks of a payload that already ended are
// reported as ErrUnknownPayload.
func (r *Receiver) lookupOrCreate(h frame.PayloadHeader, offset int64) (*incomingTransfer, error) {
	id := payload.ID(h.ID)

	r.mu.Lock()
	if t, ok := r.active[id]; ok {
		r.mu.Unlock()
		return t, nil
	}
	tp, onPayload, stallTimeout := r.timeProvider, r.onPayload, r.stallTimeout
	r.mu.Unlock()

	if offset != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayload, id)
	}

	internal, err := payload.NewIncoming(h, r.opts)
	if err != nil {
		return nil, err
	}
	t := &incomingTransfer{
		internal: internal,
		progress: NewProgress(id, Incoming, h.TotalSize, tp),
	}
	t.progress.SetStallTimeout(stallTimeout)

	r.mu.Lock()
	r.active[id] = t
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Receiver.lookupOrCreate",
		"payload_id":   id,
		"payload_type": h.Type.String(),
		"total_size":   h.TotalSize,
	}).Info("Receiving payload")

	if h.Type == frame.PayloadStream && onPayload != nil {
		onPayload(internal.ReleasePayload())
	}
	return t, nil
}

func (r *Receiver) handleControl(h frame.PayloadHeader, c *frame.ControlMessage) {
	id := payload.ID(h.ID)
	fields := logrus.Fields{
		"function":   "Receiver.handleControl",
		"payload_id": id,
		"event":      c.Event.String(),
		"offset":     c.Offset,
	}

	switch c.Event {
	case frame.EventCanceled:
		logrus.WithFields(fields).Info("Peer canceled payload")
		r.finish(id, StateCanceled, ErrCanceled)
	case frame.EventError:
		logrus.WithFields(fields).Warn("Peer reported payload error")
		r.finish(id, StateFailed, ErrRemoteFailure)
	default:
		logrus.WithFields(fields).Debug("Ignoring control frame")
	}
}

// finish ends transfer id. Completed bytes and file payloads are handed to
// OnPayload; everything else is closed.
func (r *Receiver) finish(id payload.ID, state State, err error) {
	r.mu.Lock()
	t, ok := r.active[id]
	delete(r.active, id)
	onPayload := r.onPayload
	r.mu.Unlock()
	if !ok {
		return
	}

	if state == StateCompleted {
		if t.internal.Type() != frame.PayloadStream && onPayload != nil {
			onPayload(t.internal.ReleasePayload())
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function":   "Receiver.finish",
			"payload_id": id,
			"state":      state.String(),
			"error":      fmt.Sprint(err),
		}).Warn("Incoming payload ended early")
	}
	t.internal.Close()

	t.progress.Finish(state, err)
	update := t.progress.Snapshot()
	r.report(update)

	r.mu.Lock()
	onComplete := r.onComplete
	r.mu.Unlock()
	if onComplete != nil {
		onComplete(update)
	}
}

func (r *Receiver) report(u Update) {
	r.mu.Lock()
	onProgress := r.onProgress
	r.mu.Unlock()
	if onProgress != nil {
		onProgress(u)
	}
}

func (r *Receiver) abortAll(err error) {
	r.mu.Lock()
	ids := make([]payload.ID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.finish(id, StateFailed, err)
	}
}
