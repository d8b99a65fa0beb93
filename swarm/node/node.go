package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tdl/datamodel/peer"
	"tdl/helper/timer"
	"tdl/net/broadcast"
	"tdl/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Transport is what the node needs from the network. The sender loop only calls
// Broadcast, the receiver loop only calls Receive.
type Transport interface {
	Broadcast([]byte) bool
	Receive() (*broadcast.Packet, error)
}

var _ Transport = (*broadcast.Transport)(nil)

// TextHandler receives text messages from peers. It runs on the receiver loop and must not block.
type TextHandler func(from uint32, addr *net.UDPAddr, text protocol.Text)

type Options struct {
	PositionInterval  time.Duration // How often our position is broadcast
	HeartbeatInterval time.Duration // How often a heartbeat is broadcast
	PruneInterval     time.Duration // How often stale peers are removed
	DisplayInterval   time.Duration // How often the peer table is logged and persisted
	PollInterval      time.Duration // Sender loop tick
	PeerTimeout       time.Duration // Peers silent for longer are pruned. Zero means 3x PositionInterval

	Greeting string                        // Text broadcast once at start, empty to disable
	Position func(time.Time) peer.Position // Source of our own position
	OnText   TextHandler                   // Defaults to logging the message
	Index    peer.Index                    // Optional persistence of peer snapshots
	Clock    clock.Clock                   // Defaults to the wall clock
}

func DefaultOptions() Options {
	return Options{
		PositionInterval:  5 * time.Second,
		HeartbeatInterval: time.Second,
		PruneInterval:     time.Second,
		DisplayInterval:   5 * time.Second,
		PollInterval:      100 * time.Millisecond,
	}
}

func (o *Options) applyDefaults(id uint32) {
	d := DefaultOptions()
	if o.PositionInterval <= 0 {
		o.PositionInterval = d.PositionInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = d.PruneInterval
	}
	if o.DisplayInterval <= 0 {
		o.DisplayInterval = d.DisplayInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = 3 * o.PositionInterval
	}
	if o.Position == nil {
		o.Position = SimulatedPosition(id)
	}
	if o.OnText == nil {
		o.OnText = logText
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// SimulatedPosition returns a fixed position derived from the node ID, so every node in a test network is distinct.
func SimulatedPosition(id uint32) func(time.Time) peer.Position {
	return func(time.Time) peer.Position {
		return peer.Position{
			Latitude:  50.0 + float64(id)*0.01,
			Longitude: -1.0 + float64(id)*0.01,
			Altitude:  100.0 + float64(id),
		}
	}
}

// FixedPosition always reports pos.
func FixedPosition(pos peer.Position) func(time.Time) peer.Position {
	return func(time.Time) peer.Position { return pos }
}

func logText(from uint32, addr *net.UDPAddr, text protocol.Text) {
	log.WithFields(log.Fields{"from": from, "addr": addr}).Infof("Text message: %s", text)
}

type Node struct {
	ID       uint32
	Registry *PeerRegistry

	transport Transport
	opts      Options
	clock     clock.Clock

	// Operator texts waiting for the sender loop
	outbox chan protocol.Text

	// Sender loop state, only touched by the sender loop
	position  *timer.Periodic
	heartbeat *timer.Periodic
	prune     *timer.Periodic
	display   *timer.Periodic
	pending   *protocol.Text
	greeted   bool

	// Helpers
	sg        singleflight.Group
	persistWg sync.WaitGroup
}

func New(id uint32, transport Transport, opts Options) *Node {
	opts.applyDefaults(id)

	now := opts.Clock.Now()
	n := &Node{
		ID:        id,
		Registry:  NewPeerRegistry(id),
		transport: transport,
		opts:      opts,
		clock:     opts.Clock,
		outbox:    make(chan protocol.Text, 16),

		// Announce ourselves right away, housekeeping waits one interval
		position:  &timer.Periodic{Every: opts.PositionInterval},
		heartbeat: &timer.Periodic{Every: opts.HeartbeatInterval},
		prune:     timer.NewPeriodic(opts.PruneInterval, now),
		display:   timer.NewPeriodic(opts.DisplayInterval, now),
		greeted:   opts.Greeting == "",
	}

	log.Infof("I am node %d, peer timeout %v", id, opts.PeerTimeout)

	return n
}

// Options returns the effective options after defaults were applied.
func (n *Node) Options() Options {
	return n.opts
}

// Say queues text for broadcast by the sender loop. It returns false if the queue is full.
func (n *Node) Say(text string) bool {
	select {
	case n.outbox <- protocol.NewText(text):
		return true
	default:
		log.Warnf("Say: outgoing text queue full, dropping %q", text)
		return false
	}
}

// Run starts the receiver and sender loops and blocks until ctx is cancelled.
// A blocking receive finishes its current wait before the receiver loop notices the cancellation.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.receiveLoop(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: n.opts.PollInterval,
			Jitter:   time.Millisecond * 0,
		}
		return timer.RunWithTicker(cctx, interval, n.tick)
	})

	err := wg.Wait()
	n.persistWg.Wait()
	if err != nil {
		return fmt.Errorf("node %d: %w", n.ID, err)
	}

	log.Infof("Node %d stopped", n.ID)
	return nil
}
