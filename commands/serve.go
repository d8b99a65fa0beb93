package commands

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"tdl/config"
	"tdl/datamodel/peer"
	"tdl/datastore/leveldb"
	"tdl/helper/metrics"
	"tdl/net/broadcast"
	"tdl/swarm/node"

	log "github.com/sirupsen/logrus"
)

// RunServe runs a node until ctx is cancelled or the operator presses Enter on an empty line.
// Non-empty lines typed on stdin are broadcast as text messages.
func RunServe(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Infof("Starting node %d", cfg.Node.NodeID)

	tr, err := broadcast.New(broadcast.Config{
		Port:             cfg.Network.Port,
		BroadcastAddress: cfg.Network.BroadcastAddress,
		ReceiveTimeout:   cfg.Network.ReceiveTimeout.Duration(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize transport: %v", err)
	}
	defer tr.Close()

	opts := node.Options{
		PositionInterval:  cfg.Timing.PositionInterval.Duration(),
		HeartbeatInterval: cfg.Timing.HeartbeatInterval.Duration(),
		PruneInterval:     cfg.Timing.PruneInterval.Duration(),
		DisplayInterval:   cfg.Timing.DisplayInterval.Duration(),
		PollInterval:      cfg.Timing.PollInterval.Duration(),
		PeerTimeout:       cfg.PeerTimeout(),
		Greeting:          cfg.Greeting(),
	}
	if p := cfg.Node.Position; p != nil {
		opts.Position = node.FixedPosition(peer.Position{Latitude: p.Latitude, Longitude: p.Longitude, Altitude: p.Altitude})
	}

	// Peer snapshots are a convenience, the node runs without them
	if path := cfg.DataStore.PeerIndexPath; path != "" {
		pidx, err := leveldb.NewPeerIndex(path)
		if err != nil {
			log.Errorf("Failed to open peer index, snapshots disabled: %v", err)
		} else {
			defer pidx.Close()
			opts.Index = pidx
		}
	}

	if addr := cfg.Network.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	n := node.New(cfg.Node.NodeID, tr, opts)

	go readOperatorInput(os.Stdin, n, cancel)

	log.Info("Node running. Type a line to broadcast it, press Enter on an empty line to stop...")

	if err := n.Run(ctx); err != nil {
		log.Errorf("Node stopped with error: %v", err)
	}
}

// readOperatorInput forwards stdin lines to the node. An empty line requests shutdown.
func readOperatorInput(r io.Reader, n *node.Node, stop context.CancelFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			log.Info("Shutdown requested, waiting for loops to finish...")
			stop()
			return
		}
		n.Say(line)
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("Reading stdin failed: %v", err)
	}
	// Detached from a terminal: keep running until a signal arrives
	log.Debug("stdin closed, stop the node with a signal")
}
