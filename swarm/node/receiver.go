package node

import (
	"context"
	"errors"
	"time"

	"tdl/helper/metrics"
	"tdl/net/broadcast"
	"tdl/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// receiveLoop reads packets until ctx is cancelled. Only a closed transport ends it early.
func (n *Node) receiveLoop(ctx context.Context) error {
	log.Debugf("receiveLoop: started for node %d", n.ID)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("receiveLoop: shutdown requested for node %d", n.ID)
			return nil
		default:
		}

		pkt, err := n.transport.Receive()
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				return err
			}
			metrics.ReceiveErrors.Inc()
			log.Errorf("receiveLoop: %v", err)

			// Avoid spinning on a persistent error
			select {
			case <-ctx.Done():
			case <-time.After(n.opts.PollInterval):
			}
			continue
		}
		if pkt == nil {
			continue
		}

		n.handlePacket(pkt)
	}
}

// handlePacket validates a datagram and applies it to the registry.
// Malformed packets are dropped without touching the registry.
func (n *Node) handlePacket(pkt *broadcast.Packet) {
	metrics.PacketsReceived.Inc()

	hdr, err := protocol.DecodeHeader(pkt.Payload)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(metrics.DropShort).Inc()
		log.Warnf("handlePacket: discarding packet from %s: %v", pkt.From, err)
		return
	}

	if hdr.SourceID == n.ID {
		metrics.PacketsDropped.WithLabelValues(metrics.DropSelf).Inc()
		return
	}

	// A known type must match its size exactly, otherwise the packet is not trusted at all
	if expected, known := hdr.Type.Size(); known && len(pkt.Payload) != expected {
		metrics.PacketsDropped.WithLabelValues(metrics.DropSizeMismatch).Inc()
		log.Warnf("handlePacket: %s from node %d has %d bytes, expected %d. Discarding",
			hdr.Type, hdr.SourceID, len(pkt.Payload), expected)
		return
	}

	now := n.clock.Now()
	n.Registry.Touch(hdr.SourceID, now)

	switch hdr.Type {
	case protocol.TypePositionReport:
		var msg protocol.PositionReport
		if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
			log.Warnf("handlePacket: %v", err)
			return
		}
		n.Registry.UpdatePosition(msg.SourceID, msg.Position, now)

	case protocol.TypeHeartbeat:
		// Touch above is all a heartbeat does

	case protocol.TypeTextMessage:
		var msg protocol.TextMessage
		if err := msg.UnmarshalBinary(pkt.Payload); err != nil {
			log.Warnf("handlePacket: %v", err)
			return
		}
		n.opts.OnText(msg.SourceID, pkt.From, msg.Text)

	default:
		metrics.PacketsDropped.WithLabelValues(metrics.DropUnknownType).Inc()
		log.Debugf("handlePacket: ignoring unknown message type %d from node %d", uint32(hdr.Type), hdr.SourceID)
	}
}
