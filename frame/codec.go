package frame

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldPacketType     protowire.Number = 1
	fieldPayloadHeader  protowire.Number = 2
	fieldPayloadChunk   protowire.Number = 3
	fieldControlMessage protowire.Number = 4

	fieldHeaderID        protowire.Number = 1
	fieldHeaderType      protowire.Number = 2
	fieldHeaderTotalSize protowire.Number = 3
	fieldHeaderFileName  protowire.Number = 5

	fieldChunkFlags  protowire.Number = 1
	fieldChunkOffset protowire.Number = 2
	fieldChunkBody   protowire.Number = 3

	fieldControlEvent  protowire.Number = 1
	fieldControlOffset protowire.Number = 2
)

// Marshal encodes f in protobuf wire format.
func Marshal(f *PayloadTransferFrame) []byte {
	var b []byte
	b = appendVarintField(b, fieldPacketType, uint64(f.PacketType))
	b = protowire.AppendTag(b, fieldPayloadHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalHeader(&f.Header))
	if f.Chunk != nil {
		b = protowire.AppendTag(b, fieldPayloadChunk, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalChunk(f.Chunk))
	}
	if f.Control != nil {
		b = protowire.AppendTag(b, fieldControlMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalControl(f.Control))
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func marshalHeader(h *PayloadHeader) []byte {
	var b []byte
	b = appendVarintField(b, fieldHeaderID, uint64(h.ID))
	b = appendVarintField(b, fieldHeaderType, uint64(h.Type))
	b = appendVarintField(b, fieldHeaderTotalSize, uint64(h.TotalSize))
	if h.FileName != "" {
		b = protowire.AppendTag(b, fieldHeaderFileName, protowire.BytesType)
		b = protowire.AppendString(b, h.FileName)
	}
	return b
}

func marshalChunk(c *PayloadChunk) []byte {
	var b []byte
	b = appendVarintField(b, fieldChunkFlags, uint64(c.Flags))
	b = appendVarintField(b, fieldChunkOffset, uint64(c.Offset))
	if c.Body != nil {
		b = protowire.AppendTag(b, fieldChunkBody, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Body)
	}
	return b
}

func marshalControl(c *ControlMessage) []byte {
	var b []byte
	b = appendVarintField(b, fieldControlEvent, uint64(c.Event))
	b = appendVarintField(b, fieldControlOffset, uint64(c.Offset))
	return b
}

// Unmarshal decodes and validates a frame.
func Unmarshal(data []byte) (*PayloadTransferFrame, error) {
	f := &PayloadTransferFrame{}
	haveHeader := false

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldPacketType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.PacketType = PacketType(v)
			return n, nil
		case num == fieldPayloadHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			haveHeader = true
			return n, unmarshalHeader(v, &f.Header)
		case num == fieldPayloadChunk && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.Chunk = &PayloadChunk{}
			return n, unmarshalChunk(v, f.Chunk)
		case num == fieldControlMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f.Control = &ControlMessage{}
			return n, unmarshalControl(v, f.Control)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if !haveHeader {
		return nil, fmt.Errorf("%w: missing payload header", ErrMalformedFrame)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func unmarshalHeader(data []byte, h *PayloadHeader) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldHeaderID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.ID = int64(v)
			return n, nil
		case num == fieldHeaderType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Type = PayloadType(v)
			return n, nil
		case num == fieldHeaderTotalSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.TotalSize = int64(v)
			return n, nil
		case num == fieldHeaderFileName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.FileName = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func unmarshalChunk(data []byte, c *PayloadChunk) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldChunkFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Flags = int32(v)
			return n, nil
		case num == fieldChunkOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Offset = int64(v)
			return n, nil
		case num == fieldChunkBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				c.Body = append([]byte{}, v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func unmarshalControl(data []byte, c *ControlMessage) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldControlEvent && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Event = ControlEvent(v)
			return n, nil
		case num == fieldControlOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Offset = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// walkFields calls visit for every field in data. visit returns the number
// of bytes it consumed after the tag, negative on a protowire parse error.
func walkFields(data []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := visit(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}
