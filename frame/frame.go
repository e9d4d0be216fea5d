package frame

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame indicates bytes that do not decode as a transfer frame.
var ErrMalformedFrame = errors.New("malformed payload transfer frame")

// PacketType distinguishes data frames from control frames.
type PacketType int32

const (
	PacketUnknown PacketType = 0
	PacketData    PacketType = 1
	PacketControl PacketType = 2
)

func (p PacketType) String() string {
	switch p {
	case PacketData:
		return "DATA"
	case PacketControl:
		return "CONTROL"
	default:
		return "UNKNOWN_PACKET_TYPE"
	}
}

// PayloadType is the wire tag for the payload kind.
type PayloadType int32

const (
	PayloadUnknown PayloadType = 0
	PayloadBytes   PayloadType = 1
	PayloadFile    PayloadType = 2
	PayloadStream  PayloadType = 3
)

func (p PayloadType) String() string {
	switch p {
	case PayloadBytes:
		return "BYTES"
	case PayloadFile:
		return "FILE"
	case PayloadStream:
		return "STREAM"
	default:
		return "UNKNOWN_PAYLOAD_TYPE"
	}
}

// ControlEvent is carried by control frames.
type ControlEvent int32

const (
	EventUnknown     ControlEvent = 0
	EventError       ControlEvent = 1
	EventCanceled    ControlEvent = 2
	EventReceivedAck ControlEvent = 3
)

func (e ControlEvent) String() string {
	switch e {
	case EventError:
		return "PAYLOAD_ERROR"
	case EventCanceled:
		return "PAYLOAD_CANCELED"
	case EventReceivedAck:
		return "PAYLOAD_RECEIVED_ACK"
	default:
		return "UNKNOWN_EVENT_TYPE"
	}
}

// FlagLastChunk marks the final chunk of a payload.
const FlagLastChunk int32 = 1

// PayloadHeader identifies the payload a frame belongs to. TotalSize is -1
// when the size is not known up front.
type PayloadHeader struct {
	ID        int64
	Type      PayloadType
	TotalSize int64
	FileName  string
}

// PayloadChunk carries one slice of payload data.
type PayloadChunk struct {
	Flags  int32
	Offset int64
	Body   []byte
}

// IsLast reports whether the chunk ends the payload.
func (c *PayloadChunk) IsLast() bool {
	return c.Flags&FlagLastChunk != 0
}

// ControlMessage signals an out-of-band transfer event.
type ControlMessage struct {
	Event  ControlEvent
	Offset int64
}

// PayloadTransferFrame is one unit sent over an endpoint channel. Exactly
// one of Chunk and Control is set, matching PacketType.
type PayloadTransferFrame struct {
	PacketType PacketType
	Header     PayloadHeader
	Chunk      *PayloadChunk
	Control    *ControlMessage
}

// NewDataFrame builds a DATA frame.
func NewDataFrame(h PayloadHeader, offset int64, body []byte, last bool) *PayloadTransferFrame {
	var flags int32
	if last {
		flags |= FlagLastChunk
	}
	return &PayloadTransferFrame{
		PacketType: PacketData,
		Header:     h,
		Chunk:      &PayloadChunk{Flags: flags, Offset: offset, Body: body},
	}
}

// NewControlFrame builds a CONTROL frame.
func NewControlFrame(h PayloadHeader, event ControlEvent, offset int64) *PayloadTransferFrame {
	return &PayloadTransferFrame{
		PacketType: PacketControl,
		Header:     h,
		Control:    &ControlMessage{Event: event, Offset: offset},
	}
}

// Validate checks that the frame's body matches its packet type.
func (f *PayloadTransferFrame) Validate() error {
	switch f.PacketType {
	case PacketData:
		if f.Chunk == nil {
			return fmt.Errorf("%w: data frame without chunk", ErrMalformedFrame)
		}
		if f.Chunk.Offset < 0 {
			return fmt.Errorf("%w: negative chunk offset %d", ErrMalformedFrame, f.Chunk.Offset)
		}
	case PacketControl:
		if f.Control == nil {
			return fmt.Errorf("%w: control frame without control message", ErrMalformedFrame)
		}
	default:
		return fmt.Errorf("%w: packet type %d", ErrMalformedFrame, f.PacketType)
	}
	if f.Header.Type == PayloadUnknown {
		return fmt.Errorf("%w: unknown payload type", ErrMalformedFrame)
	}
	return nil
}
