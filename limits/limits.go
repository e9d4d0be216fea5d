package limits

import (
	"errors"
	"fmt"
)

const (
	// MinChunkSize is the smallest chunk a payload may be split into.
	MinChunkSize = 1

	// DefaultChunkSize is the chunk size used when none is configured.
	// It matches the 64KiB payload chunk of the Wi-Fi and Bluetooth mediums.
	DefaultChunkSize = 64 * 1024

	// BLEChunkSize is the chunk size used over BLE sockets, whose usable
	// MTU is far smaller than the other mediums.
	BLEChunkSize = 512

	// MaxChunkSize is the largest chunk body accepted from the wire
	// (1MB). It bounds per-frame memory on the receive side.
	MaxChunkSize = 1024 * 1024

	// FrameOverhead is the room reserved for the transfer frame envelope
	// (packet type, payload header and chunk metadata) around a chunk body.
	FrameOverhead = 1024

	// MaxFrameSize is the absolute maximum for a single length-prefixed
	// frame read from an endpoint channel.
	MaxFrameSize = MaxChunkSize + FrameOverhead

	// FrameLengthPrefix is the size of the big-endian length prefix that
	// precedes every frame on an endpoint channel.
	FrameLengthPrefix = 4
)

var (
	// ErrFrameEmpty indicates an empty frame was provided
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidChunkSize indicates a chunk size outside [MinChunkSize, MaxChunkSize]
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// ValidateFrameSize validates a frame length against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateFrameSize(length, maxSize int) error {
	if length == 0 {
		return ErrFrameEmpty
	}
	if length > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, length, maxSize)
	}
	return nil
}

// ValidateChunkSize checks that a configured chunk size can be carried in a
// single frame.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidChunkSize, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// ValidateChunk validates a received chunk body against MaxChunkSize.
// Empty bodies are allowed; they carry no data but may carry flags.
func ValidateChunk(body []byte) error {
	if len(body) > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrFrameTooLarge, len(body), MaxChunkSize)
	}
	return nil
}
