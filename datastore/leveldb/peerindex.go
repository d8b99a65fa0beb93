package leveldb

import (
	"encoding/binary"
	"fmt"

	"tdl/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer state indexed by ID. Followed by the big-endian 32-bit ID so iteration is ordered
)

var _ peer.Index = (*PeerIndex)(nil)

// Keep sub-second precision of LastHeard, the default mode truncates to whole seconds
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type PeerIndex struct {
	LevelDB
}

func keyFromID(id uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(keyPrefixPeer), id)
}

func idFromKey(key []byte) (uint32, error) {
	if len(key) != len(keyPrefixPeer)+4 || string(key[:len(keyPrefixPeer)]) != keyPrefixPeer {
		return 0, fmt.Errorf("idFromKey: invalid key %x", key)
	}
	return binary.BigEndian.Uint32(key[len(keyPrefixPeer):]), nil
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *PeerIndex) Get(id uint32) (*peer.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Fetch the object
	raw, err := l.db.Get(keyFromID(id), nil)
	if err != nil {
		return nil, err
	}

	// Unmarshall CBOR
	st := &peer.State{}
	err = cbor.Unmarshal(raw, st)
	if err != nil {
		return nil, err
	}

	// Compare the ID just in case
	if st.ID != id {
		log.Errorf("Get: peer ID mismatch: %d != %d", id, st.ID)
		return nil, ErrCorrupted
	}

	return st, nil
}

func (l *PeerIndex) Put(st *peer.State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := encMode.Marshal(st)
	if err != nil {
		return err
	}

	return l.db.Put(keyFromID(st.ID), raw, nil)
}

func (l *PeerIndex) Enumerate() ([]*peer.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.State

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		id, err := idFromKey(iter.Key())
		if err != nil {
			return nil, err
		}

		st := &peer.State{}
		if err := cbor.Unmarshal(iter.Value(), st); err != nil {
			return nil, err
		}
		if st.ID != id {
			log.Errorf("Enumerate: peer ID mismatch: %d != %d", id, st.ID)
			return nil, ErrCorrupted
		}

		results = append(results, st)
	}

	return results, iter.Error()
}
