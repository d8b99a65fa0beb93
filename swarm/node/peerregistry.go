package node

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"tdl/datamodel/peer"

	log "github.com/sirupsen/logrus"
)

// PeerRegistry keeps the last known state of every peer we heard from.
// All methods are safe for concurrent use. Logging happens after the lock is released.
type PeerRegistry struct {
	self  uint32
	mu    sync.Mutex
	peers map[uint32]*peer.State
}

func NewPeerRegistry(self uint32) *PeerRegistry {
	return &PeerRegistry{
		self:  self,
		peers: make(map[uint32]*peer.State),
	}
}

// Self returns the ID of the node owning this registry.
func (r *PeerRegistry) Self() uint32 {
	return r.self
}

// getOrCreate returns the entry for id, creating one with an unknown position if missing.
// No lock here, lock is assumed to be acquired by caller
func (r *PeerRegistry) getOrCreate(id uint32, now time.Time) (*peer.State, bool) {
	if st, ok := r.peers[id]; ok {
		return st, false
	}
	st := &peer.State{ID: id, LastHeard: now}
	r.peers[id] = st
	return st, true
}

// heard moves LastHeard forward, never backward.
func heard(st *peer.State, now time.Time) {
	if now.After(st.LastHeard) {
		st.LastHeard = now
	}
}

// Touch records that a message of any kind was received from id at now.
func (r *PeerRegistry) Touch(id uint32, now time.Time) {
	if id == r.self {
		return
	}

	r.mu.Lock()
	st, created := r.getOrCreate(id, now)
	heard(st, now)
	r.mu.Unlock()

	if created {
		log.Infof("PeerRegistry: added peer %d", id)
	}
}

// UpdatePosition records a new position for id and refreshes its last heard time.
func (r *PeerRegistry) UpdatePosition(id uint32, pos peer.Position, now time.Time) {
	if id == r.self {
		return
	}

	r.mu.Lock()
	st, created := r.getOrCreate(id, now)
	st.Position = pos
	heard(st, now)
	r.mu.Unlock()

	if created {
		log.Infof("PeerRegistry: added peer %d from position report", id)
	}
}

// PruneOlderThan removes every peer not heard of for more than maxAge and returns their IDs.
func (r *PeerRegistry) PruneOlderThan(maxAge time.Duration, now time.Time) []uint32 {
	r.mu.Lock()
	var removed []uint32
	for id, st := range r.peers {
		if now.Sub(st.LastHeard) > maxAge {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	slices.Sort(removed)
	for _, id := range removed {
		log.Infof("PeerRegistry: peer %d timed out", id)
	}
	return removed
}

// Snapshot returns a copy of all entries ordered by ID.
func (r *PeerRegistry) Snapshot() []peer.State {
	r.mu.Lock()
	list := make([]peer.State, 0, len(r.peers))
	for _, st := range r.peers {
		list = append(list, *st)
	}
	r.mu.Unlock()

	slices.SortFunc(list, func(a, b peer.State) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// Get returns a copy of the entry for id.
func (r *PeerRegistry) Get(id uint32) (peer.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.peers[id]
	if !ok {
		return peer.State{}, false
	}
	return *st, true
}

func (r *PeerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
