package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/nearby/payload"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCanceled indicates the transfer was canceled by either side.
	ErrCanceled = errors.New("payload transfer canceled")

	// ErrRemoteFailure indicates the peer reported PAYLOAD_ERROR.
	ErrRemoteFailure = errors.New("remote side reported payload error")

	// ErrOffsetMismatch indicates a chunk arrived at an unexpected offset.
	ErrOffsetMismatch = errors.New("chunk offset mismatch")

	// ErrReceiverStopped fails payloads still open when a receive loop exits.
	ErrReceiverStopped = errors.New("receive loop stopped")

	// ErrUnknownPayload indicates a chunk past offset zero for a payload
	// that is not being received.
	ErrUnknownPayload = errors.New("chunk for unknown payload")

	// ErrTransferStalled indicates no chunk moved within the stall timeout.
	ErrTransferStalled = errors.New("transfer stalled: no data within timeout period")
)

// DefaultStallTimeout is the default window after which a running transfer
// counts as stalled.
const DefaultStallTimeout = 30 * time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Direction tells which way a payload moves.
type Direction uint8

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

// State is the lifecycle state of one payload transfer.
type State uint8

const (
	StateRunning State = iota
	StateCompleted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is a snapshot handed to progress and completion callbacks.
type Update struct {
	PayloadID   payload.ID
	Direction   Direction
	State       State
	TotalSize   int64
	Transferred int64
	Speed       float64
	Err         error
}

// Done reports whether the transfer has reached a terminal state.
func (u Update) Done() bool { return u.State != StateRunning }

// Percent returns progress in [0, 100], or -1 when the size is unknown.
func (u Update) Percent() float64 {
	if u.TotalSize < 0 {
		return -1
	}
	if u.TotalSize == 0 {
		if u.State == StateCompleted {
			return 100
		}
		return 0
	}
	return float64(u.Transferred) / float64(u.TotalSize) * 100.0
}

// Progress tracks bytes moved, speed and stalls for one payload.
type Progress struct {
	mu            sync.Mutex
	id            payload.ID
	direction     Direction
	totalSize     int64
	transferred   int64
	state         State
	err           error
	startTime     time.Time
	lastChunkTime time.Time
	speed         float64 // bytes per second
	stallTimeout  time.Duration
	timeProvider  TimeProvider
}

// NewProgress starts tracking a transfer. totalSize may be
// payload.UnknownSize.
func NewProgress(id payload.ID, dir Direction, totalSize int64, tp TimeProvider) *Progress {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	now := tp.Now()
	return &Progress{
		id:            id,
		direction:     dir,
		totalSize:     totalSize,
		startTime:     now,
		lastChunkTime: now,
		stallTimeout:  DefaultStallTimeout,
		timeProvider:  tp,
	}
}

// SetStallTimeout changes the stall window; zero disables stall detection.
func (p *Progress) SetStallTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallTimeout = timeout
}

// Add records n more bytes and refreshes the speed estimate.
func (p *Progress) Add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transferred += int64(n)

	now := p.timeProvider.Now()
	duration := p.timeProvider.Since(p.lastChunkTime).Seconds()
	if duration > 0 {
		instantSpeed := float64(n) / duration

		// Exponential moving average with alpha = 0.3
		if p.speed == 0 {
			p.speed = instantSpeed
		} else {
			p.speed = 0.7*p.speed + 0.3*instantSpeed
		}
	}
	p.lastChunkTime = now
}

// Finish moves the transfer to a terminal state. Only the first call counts.
func (p *Progress) Finish(state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return
	}
	p.state = state
	p.err = err
}

// Snapshot returns the current state as an Update.
func (p *Progress) Snapshot() Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Update{
		PayloadID:   p.id,
		Direction:   p.direction,
		State:       p.state,
		TotalSize:   p.totalSize,
		Transferred: p.transferred,
		Speed:       p.speed,
		Err:         p.err,
	}
}

// Speed returns the smoothed transfer speed in bytes per second.
func (p *Progress) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// EstimatedTimeRemaining returns zero when the size or speed is unknown.
func (p *Progress) EstimatedTimeRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning || p.speed <= 0 || p.totalSize < 0 {
		return 0
	}
	secondsRemaining := float64(p.totalSize-p.transferred) / p.speed
	return time.Duration(secondsRemaining * float64(time.Second))
}

// IsStalled reports whether a running transfer has been idle longer than
// the stall timeout.
func (p *Progress) IsStalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stalledLocked()
}

func (p *Progress) stalledLocked() bool {
	if p.stallTimeout == 0 || p.state != StateRunning {
		return false
	}
	return p.timeProvider.Since(p.lastChunkTime) >= p.stallTimeout
}

// CheckTimeout fails a stalled transfer and returns ErrTransferStalled.
func (p *Progress) CheckTimeout() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stalledLocked() {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":             "Progress.CheckTimeout",
		"payload_id":           p.id,
		"direction":            p.direction.String(),
		"stall_timeout":        p.stallTimeout,
		"time_since_last_data": p.timeProvider.Since(p.lastChunkTime),
		"transferred":          p.transferred,
		"total_size":           p.totalSize,
	}).Warn("Transfer stalled: no data within timeout period")

	p.state = StateFailed
	p.err = ErrTransferStalled
	return ErrTransferStalled
}
