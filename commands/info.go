package commands

import (
	"context"
	"time"

	"tdl/config"
	"tdl/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

// RunInfo lists the peers stored by the last serve run.
func RunInfo(ctx context.Context, cfg *config.Config) {
	if cfg.DataStore.PeerIndexPath == "" {
		log.Fatal("datastore.peers is not set, no peer snapshots are stored")
	}

	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	peers, err := pidx.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer index: %v", err)
		return
	}

	log.Infof("Peer index: %d peers known", len(peers))
	now := time.Now()
	for _, p := range peers {
		log.Infof("Peer: %d, pos: %s, last heard: %v (%s ago)",
			p.ID, p.Position, p.LastHeard.Format(time.RFC3339), p.Age(now).Truncate(time.Second))
	}
}
