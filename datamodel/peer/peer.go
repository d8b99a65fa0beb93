package peer

import (
	"fmt"
	"time"
)

// Position is the last reported location of a node. The zero value means "unknown".
type Position struct {
	Latitude  float64 `cbor:"1,keyasint,omitempty"`
	Longitude float64 `cbor:"2,keyasint,omitempty"`
	Altitude  float64 `cbor:"3,keyasint,omitempty"`
}

// Known reports whether a position was ever received.
// Only latitude and longitude are considered, a node sitting at 0/0 is indistinguishable from an unknown one.
func (p Position) Known() bool {
	return p.Latitude != 0 || p.Longitude != 0
}

func (p Position) String() string {
	if !p.Known() {
		return "N/A"
	}
	return fmt.Sprintf("%.5f/%.5f @ %.1fm", p.Latitude, p.Longitude, p.Altitude)
}

type State struct {
	ID        uint32    `cbor:"1,keyasint"`           // Peer identifier
	Position  Position  `cbor:"2,keyasint,omitempty"` // Last reported position
	LastHeard time.Time `cbor:"3,keyasint,omitempty"` // Last time we received any message from this peer
}

// Age returns how long ago the peer was last heard of.
func (s *State) Age(now time.Time) time.Duration {
	return now.Sub(s.LastHeard)
}

// Index defines the interface for persisting peer snapshots.
type Index interface {
	// Get retrieves the last stored state of a peer.
	// It returns an error if the peer is unknown or an issue occurs.
	Get(id uint32) (*State, error)

	// Put stores or replaces the state of a peer.
	Put(*State) error

	// Enumerate returns all stored peers ordered by ID.
	Enumerate() ([]*State, error)

	Close() error
}
