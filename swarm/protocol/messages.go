package protocol

import (
	"math"

	"tdl/datamodel/peer"
)

// Message is implemented by every message type that can be broadcast.
type Message interface {
	Type() MessageType
	MarshalBinary() ([]byte, error)
}

var (
	_ Message = (*PositionReport)(nil)
	_ Message = (*Heartbeat)(nil)
	_ Message = (*TextMessage)(nil)
)

type PositionReport struct {
	SourceID uint32
	Position peer.Position
}

func (m *PositionReport) Type() MessageType { return TypePositionReport }

func (m *PositionReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, PositionReportSize)
	Header{Type: TypePositionReport, SourceID: m.SourceID}.put(b)
	ByteOrder.PutUint64(b[8:16], math.Float64bits(m.Position.Latitude))
	ByteOrder.PutUint64(b[16:24], math.Float64bits(m.Position.Longitude))
	ByteOrder.PutUint64(b[24:32], math.Float64bits(m.Position.Altitude))
	return b, nil
}

func (m *PositionReport) UnmarshalBinary(b []byte) error {
	h, err := checkBody(b, TypePositionReport)
	if err != nil {
		return err
	}
	m.SourceID = h.SourceID
	m.Position = peer.Position{
		Latitude:  math.Float64frombits(ByteOrder.Uint64(b[8:16])),
		Longitude: math.Float64frombits(ByteOrder.Uint64(b[16:24])),
		Altitude:  math.Float64frombits(ByteOrder.Uint64(b[24:32])),
	}
	return nil
}

// Heartbeat only carries the header.
type Heartbeat struct {
	SourceID uint32
}

func (m *Heartbeat) Type() MessageType { return TypeHeartbeat }

func (m *Heartbeat) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeartbeatSize)
	Header{Type: TypeHeartbeat, SourceID: m.SourceID}.put(b)
	return b, nil
}

func (m *Heartbeat) UnmarshalBinary(b []byte) error {
	h, err := checkBody(b, TypeHeartbeat)
	if err != nil {
		return err
	}
	m.SourceID = h.SourceID
	return nil
}

type TextMessage struct {
	SourceID uint32
	Text     Text
}

func (m *TextMessage) Type() MessageType { return TypeTextMessage }

func (m *TextMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, TextMessageSize)
	Header{Type: TypeTextMessage, SourceID: m.SourceID}.put(b)
	if err := m.Text.put(b[HeaderSize:]); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *TextMessage) UnmarshalBinary(b []byte) error {
	h, err := checkBody(b, TypeTextMessage)
	if err != nil {
		return err
	}
	m.SourceID = h.SourceID
	m.Text = textFrom(b[HeaderSize:])
	return nil
}
