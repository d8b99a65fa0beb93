package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tdl/datamodel/peer"
	"tdl/helper/metrics"
	"tdl/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// This is run via the RunWithTicker() helper.
// Every due action fires independently, a failed send leaves its timer due for the next tick.
func (n *Node) tick(ctx context.Context) error {
	now := n.clock.Now()

	if !n.greeted {
		n.greeted = n.send(&protocol.TextMessage{SourceID: n.ID, Text: protocol.NewText(n.opts.Greeting)})
	}

	n.sendQueuedText()

	if n.position.Due(now) {
		msg := &protocol.PositionReport{SourceID: n.ID, Position: n.opts.Position(now)}
		if n.send(msg) {
			n.position.Fired(now)
		}
	}

	if n.heartbeat.Due(now) {
		if n.send(&protocol.Heartbeat{SourceID: n.ID}) {
			n.heartbeat.Fired(now)
		}
	}

	if n.prune.Due(now) {
		removed := n.Registry.PruneOlderThan(n.opts.PeerTimeout, now)
		metrics.PeersPruned.Add(float64(len(removed)))
		metrics.PeersKnown.Set(float64(n.Registry.Len()))
		n.prune.Fired(now)
	}

	if n.display.Due(now) {
		snap := n.Registry.Snapshot()
		if table := FormatPeerTable(snap, now); table != "" {
			log.Info(table)
		}
		n.persist(snap)
		n.display.Fired(now)
	}

	return nil
}

// sendQueuedText sends at most one operator text per tick. A failed text is kept and retried.
func (n *Node) sendQueuedText() {
	if n.pending == nil {
		select {
		case text := <-n.outbox:
			n.pending = &text
		default:
			return
		}
	}

	if n.send(&protocol.TextMessage{SourceID: n.ID, Text: *n.pending}) {
		log.Infof("Sent text message: %s", *n.pending)
		n.pending = nil
	}
}

func (n *Node) send(msg protocol.Message) bool {
	typ := msg.Type().String()

	b, err := msg.MarshalBinary()
	if err != nil {
		log.Errorf("send: failed to encode %s: %v", typ, err)
		metrics.SendFailures.WithLabelValues(typ).Inc()
		return false
	}

	if !n.transport.Broadcast(b) {
		metrics.SendFailures.WithLabelValues(typ).Inc()
		return false
	}

	metrics.MessagesSent.WithLabelValues(typ).Inc()
	return true
}

// persist stores the snapshot in the peer index without blocking the sender loop.
// A write still in flight absorbs the next one.
func (n *Node) persist(snap []peer.State) {
	if n.opts.Index == nil || len(snap) == 0 {
		return
	}

	n.persistWg.Add(1)
	go func() {
		defer n.persistWg.Done()

		_, err, _ := n.sg.Do("persist", func() (interface{}, error) {
			for i := range snap {
				if err := n.opts.Index.Put(&snap[i]); err != nil {
					return nil, fmt.Errorf("failed to store peer %d: %w", snap[i].ID, err)
				}
			}
			return nil, nil
		})
		if err != nil {
			log.Errorf("persist: %v", err)
		}
	}()
}

// FormatPeerTable renders the known peers for the operator. It returns an empty string when there are none.
func FormatPeerTable(peers []peer.State, now time.Time) string {
	if len(peers) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "===== Known peers (%d) =====\n", len(peers))
	for i := range peers {
		st := &peers[i]
		fmt.Fprintf(&sb, "  Node %d | Pos: %s | Last heard: %ds ago\n",
			st.ID, st.Position, int64(st.Age(now)/time.Second))
	}
	sb.WriteString("============================")
	return sb.String()
}
