package channel

import (
	"errors"
	"fmt"

	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/medium"
)

var (
	// ErrChannelClosed indicates I/O on a channel after Close.
	ErrChannelClosed = errors.New("channel closed")

	// ErrFrameTooLarge indicates a frame above the channel's size limit.
	ErrFrameTooLarge = limits.ErrFrameTooLarge

	// ErrFrameEmpty indicates a zero-length frame.
	ErrFrameEmpty = limits.ErrFrameEmpty
)

// Error carries the failing operation and the channel it happened on.
type Error struct {
	Op     string      // "read", "write" or "close"
	Name   string      // channel name
	Medium medium.Kind // medium of the underlying socket
	Err    error       // underlying error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("channel %s %s %s: %v", e.Op, e.Medium, e.Name, e.Err)
	}
	return fmt.Sprintf("channel %s %s: %v", e.Op, e.Medium, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (c *EndpointChannel) newError(op string, err error) *Error {
	return &Error{
		Op:     op,
		Name:   c.name,
		Medium: c.kind,
		Err:    err,
	}
}
