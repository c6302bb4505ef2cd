package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic marks the start of every frame.
	Magic uint16 = 0x5713

	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 6
)

var (
	// ErrFrameMalformed is returned for datagrams that are not a valid frame.
	ErrFrameMalformed = errors.New("malformed frame")

	// ErrFrameTooLarge is returned for payloads above the maximum message length.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Codec encodes and decodes single-datagram frames.
type Codec struct {
	MaxMessageLength int
}

// Encode wraps payload in a frame.
func (c Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > c.MaxMessageLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.MaxMessageLength)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode extracts the payload of a frame. The returned slice aliases datagram.
func (c Codec) Decode(datagram []byte) ([]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrFrameMalformed, len(datagram))
	}
	if magic := binary.BigEndian.Uint16(datagram[0:2]); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", ErrFrameMalformed, magic)
	}

	declared := binary.BigEndian.Uint32(datagram[2:6])
	actual := len(datagram) - HeaderSize
	if uint64(declared) > uint64(c.MaxMessageLength) {
		return nil, fmt.Errorf("%w: declared %d > %d", ErrFrameTooLarge, declared, c.MaxMessageLength)
	}
	if actual > c.MaxMessageLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, actual, c.MaxMessageLength)
	}
	if uint32(actual) != declared {
		return nil, fmt.Errorf("%w: length %d, payload %d", ErrFrameMalformed, declared, actual)
	}
	return datagram[HeaderSize:], nil
}

// BufferSize is the read buffer needed to tell a maximum frame from an oversized one.
func (c Codec) BufferSize() int {
	return HeaderSize + c.MaxMessageLength + 1
}

// frameErrorReason maps a Decode error to a metrics label.
func frameErrorReason(err error) string {
	if errors.Is(err, ErrFrameTooLarge) {
		return "too_large"
	}
	return "malformed"
}
