package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/nearby/frame"
	"github.com/opd-ai/nearby/payload"
	"github.com/sirupsen/logrus"
)

// FrameWriter is the sending half of an endpoint channel.
type FrameWriter interface {
	Write(data []byte) error
}

// FrameReader is the receiving half of an endpoint channel.
type FrameReader interface {
	Read() ([]byte, error)
}

type outgoingTransfer struct {
	internal payload.Internal
	canceled bool
}

// Sender writes outgoing payloads to endpoint channels one chunk at a time.
type Sender struct {
	mu           sync.Mutex
	active       map[payload.ID]*outgoingTransfer
	timeProvider TimeProvider
	onProgress   func(Update)
}

// NewSender creates a Sender.
func NewSender() *Sender {
	return &Sender{
		active:       make(map[payload.ID]*outgoingTransfer),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (s *Sender) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeProvider = tp
}

// OnProgress registers a callback run after every chunk and once at the end.
func (s *Sender) OnProgress(cb func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = cb
}

// Cancel stops the transfer of id. The send loop notices before the next
// chunk, tells the peer and closes the payload. It reports whether id was
// being sent.
func (s *Sender) Cancel(id payload.ID) bool {
	s.mu.Lock()
	t, ok := s.active[id]
	if ok {
		t.canceled = true
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Sender.Cancel",
		"payload_id": id,
	}).Info("Canceling outgoing payload")

	// Closing unblocks a stream payload waiting on its source.
	t.internal.Close()
	return true
}

func (s *Sender) isCanceled(id payload.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	return ok && t.canceled
}

// Send streams in over w until the payload is exhausted, canceled or the
// channel fails. It always closes in before returning.
func (s *Sender) Send(ctx context.Context, w FrameWriter, in payload.Internal) error {
	id := in.ID()

	s.mu.Lock()
	if _, dup := s.active[id]; dup {
		s.mu.Unlock()
		return fmt.Errorf("payload %d already being sent", id)
	}
	s.active[id] = &outgoingTransfer{internal: in}
	tp, onProgress := s.timeProvider, s.onProgress
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		in.Close()
	}()
	stopOnDone := context.AfterFunc(ctx, in.Close)
	defer stopOnDone()

	header := in.Header()
	progress := NewProgress(id, Outgoing, header.TotalSize, tp)
	report := func() {
		if onProgress != nil {
			onProgress(progress.Snapshot())
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Sender.Send",
		"payload_id":   id,
		"payload_type": header.Type.String(),
		"total_size":   header.TotalSize,
	}).Info("Sending payload")

	var offset int64
	for {
		if err := s.checkStop(ctx, id); err != nil {
			s.sendControl(w, header, frame.EventCanceled, offset)
			progress.Finish(StateCanceled, err)
			report()
			return err
		}

		chunk, err := in.DetachNextChunk()
		if err != nil {
			if stopErr := s.checkStop(ctx, id); stopErr != nil {
				s.sendControl(w, header, frame.EventCanceled, offset)
				progress.Finish(StateCanceled, stopErr)
				report()
				return stopErr
			}
			s.sendControl(w, header, frame.EventError, offset)
			err = fmt.Errorf("detach chunk of payload %d: %w", id, err)
			progress.Finish(StateFailed, err)
			report()
			return err
		}

		last := chunk == nil
		if err := w.Write(frame.Marshal(frame.NewDataFrame(header, offset, chunk, last))); err != nil {
			err = fmt.Errorf("write chunk of payload %d at %d: %w", id, offset, err)
			progress.Finish(StateFailed, err)
			report()
			return err
		}

		if last {
			progress.Finish(StateCompleted, nil)
			report()

			logrus.WithFields(logrus.Fields{
				"function":   "Sender.Send",
				"payload_id": id,
				"sent_bytes": offset,
			}).Info("Payload sent")
			return nil
		}

		offset += int64(len(chunk))
		progress.Add(len(chunk))
		report()

		logrus.WithFields(logrus.Fields{
			"function":   "Sender.Send",
			"payload_id": id,
			"offset":     offset,
			"chunk_size": len(chunk),
		}).Debug("Chunk sent")
	}
}

func (s *Sender) checkStop(ctx context.Context, id payload.ID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if s.isCanceled(id) {
		return ErrCanceled
	}
	return nil
}

// sendControl tells the peer about an early end. Failure is only logged;
// the transfer is over either way.
func (s *Sender) sendControl(w FrameWriter, h frame.PayloadHeader, event frame.ControlEvent, offset int64) {
	err := w.Write(frame.Marshal(frame.NewControlFrame(h, event, offset)))
	fields := logrus.Fields{
		"function":   "Sender.sendControl",
		"payload_id": h.ID,
		"event":      event.String(),
		"offset":     offset,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Failed to send control frame")
		return
	}
	logrus.WithFields(fields).Info("Control frame sent")
}
