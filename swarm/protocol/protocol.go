// Package protocol defines the fixed-layout messages exchanged over the broadcast transport.
//
// Every message starts with an 8-byte header <type:4><source:4> followed by a type-specific body.
// There is no length prefix and no versioning: a receiver tells messages apart only by their type
// and must verify the exact total size before touching the body.
//
// All fields are little-endian, the in-memory layout of the same structs on x86 and ARM hosts.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageType uint32

const (
	TypePositionReport MessageType = 1 // Position update
	TypeHeartbeat      MessageType = 2 // Liveness, header only
	TypeTextMessage    MessageType = 3 // Short text for the operator
)

const (
	HeaderSize         = 8
	PositionReportSize = HeaderSize + 3*8
	HeartbeatSize      = HeaderSize
	TextCapacity       = 64 // Bytes reserved for text on the wire, including the terminator
	TextMessageSize    = HeaderSize + TextCapacity
)

var ByteOrder = binary.LittleEndian

var (
	ErrShortPacket  = errors.New("packet shorter than header")
	ErrSizeMismatch = errors.New("packet size does not match message type")
	ErrWrongType    = errors.New("unexpected message type")
	ErrTextTooLong  = errors.New("text exceeds message capacity")
)

func (t MessageType) String() string {
	switch t {
	case TypePositionReport:
		return "PositionReport"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeTextMessage:
		return "TextMessage"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Size returns the exact encoded size for a known message type.
func (t MessageType) Size() (int, bool) {
	switch t {
	case TypePositionReport:
		return PositionReportSize, true
	case TypeHeartbeat:
		return HeartbeatSize, true
	case TypeTextMessage:
		return TextMessageSize, true
	default:
		return 0, false
	}
}

// Header is the common prefix of all messages.
type Header struct {
	Type     MessageType
	SourceID uint32
}

// DecodeHeader extracts the header from a raw packet. Trailing bytes are not inspected.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	return Header{
		Type:     MessageType(ByteOrder.Uint32(b[0:4])),
		SourceID: ByteOrder.Uint32(b[4:8]),
	}, nil
}

func (h Header) put(b []byte) {
	ByteOrder.PutUint32(b[0:4], uint32(h.Type))
	ByteOrder.PutUint32(b[4:8], h.SourceID)
}

// checkBody validates that b carries a message of type t with the exact expected size.
func checkBody(b []byte, t MessageType) (Header, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return h, err
	}
	if h.Type != t {
		return h, fmt.Errorf("%w: got %s, want %s", ErrWrongType, h.Type, t)
	}
	size, _ := t.Size()
	if len(b) != size {
		return h, fmt.Errorf("%w: %s is %d bytes, got %d", ErrSizeMismatch, t, size, len(b))
	}
	return h, nil
}
