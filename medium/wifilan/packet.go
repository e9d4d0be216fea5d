package wifilan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPacket indicates a datagram that is not an announcement.
	ErrInvalidPacket = errors.New("invalid wifi lan announcement")

	packetMagic = []byte("NRBY")
)

const (
	packetVersion = 1

	flagAnnounce byte = 0x01
	flagGoodbye  byte = 0x02

	instanceIDSize = 8
	// magic + version + flags + port + instance + two length bytes
	packetFixedSize = 4 + 1 + 1 + 2 + instanceIDSize + 2

	maxFieldLen = 255
)

// announcement is the UDP datagram sent by advertisers:
// [magic 4][version 1][flags 1][port 2][instance 8][len 1][service id][len 1][name]
type announcement struct {
	flags     byte
	port      uint16
	instance  [instanceIDSize]byte
	serviceID string
	name      string
}

func (a *announcement) marshal() ([]byte, error) {
	if len(a.serviceID) > maxFieldLen || len(a.name) > maxFieldLen {
		return nil, fmt.Errorf("%w: service id or name longer than %d bytes", ErrInvalidPacket, maxFieldLen)
	}
	buf := make([]byte, 0, packetFixedSize+len(a.serviceID)+len(a.name))
	buf = append(buf, packetMagic...)
	buf = append(buf, packetVersion, a.flags)
	buf = binary.BigEndian.AppendUint16(buf, a.port)
	buf = append(buf, a.instance[:]...)
	buf = append(buf, byte(len(a.serviceID)))
	buf = append(buf, a.serviceID...)
	buf = append(buf, byte(len(a.name)))
	buf = append(buf, a.name...)
	return buf, nil
}

func parseAnnouncement(data []byte) (*announcement, error) {
	if len(data) < packetFixedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(data))
	}
	if !bytes.Equal(data[:4], packetMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidPacket)
	}
	if data[4] != packetVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidPacket, data[4])
	}

	a := &announcement{
		flags: data[5],
		port:  binary.BigEndian.Uint16(data[6:8]),
	}
	copy(a.instance[:], data[8:8+instanceIDSize])

	rest := data[8+instanceIDSize:]
	serviceID, rest, ok := readField(rest)
	if !ok {
		return nil, fmt.Errorf("%w: truncated service id", ErrInvalidPacket)
	}
	name, _, ok := readField(rest)
	if !ok {
		return nil, fmt.Errorf("%w: truncated name", ErrInvalidPacket)
	}
	a.serviceID = serviceID
	a.name = name
	return a, nil
}

func readField(b []byte) (string, []byte, bool) {
	if len(b) < 1 {
		return "", nil, false
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, false
	}
	return string(b[1 : 1+n]), b[1+n:], true
}
