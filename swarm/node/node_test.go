package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdl/datamodel/peer"
	"tdl/net/broadcast"
	"tdl/swarm/protocol"
)

type fakeTransport struct {
	mu    sync.Mutex
	sent  [][]byte
	fail  bool
	inbox chan *broadcast.Packet
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan *broadcast.Packet, 16)}
}

func (f *fakeTransport) Broadcast(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return true
}

func (f *fakeTransport) Receive() (*broadcast.Packet, error) {
	select {
	case p := <-f.inbox:
		return p, nil
	case <-time.After(20 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

// drain returns the types of all messages sent since the last call.
func (f *fakeTransport) drain(t *testing.T) []protocol.MessageType {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var types []protocol.MessageType
	for _, b := range f.sent {
		h, err := protocol.DecodeHeader(b)
		require.NoError(t, err)
		types = append(types, h.Type)
	}
	f.sent = nil
	return types
}

type memIndex struct {
	mu    sync.Mutex
	peers map[uint32]peer.State
}

func (m *memIndex) Get(id uint32) (*peer.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.peers[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &st, nil
}

func (m *memIndex) Put(st *peer.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[st.ID] = *st
	return nil
}

func (m *memIndex) Enumerate() ([]*peer.State, error) { return nil, nil }

func (m *memIndex) Close() error { return nil }

func packet(t *testing.T, msg protocol.Message) *broadcast.Packet {
	t.Helper()
	b, err := msg.MarshalBinary()
	require.NoError(t, err)
	return &broadcast.Packet{Payload: b, From: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 30000}}
}

func newTestNode(t *testing.T, id uint32, opts Options) (*Node, *fakeTransport, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	tr := newFakeTransport()
	return New(id, tr, opts), tr, mock
}

func TestHandlePacketPosition(t *testing.T) {
	n, _, mock := newTestNode(t, 1, Options{})

	pos := peer.Position{Latitude: 50.02, Longitude: -0.98, Altitude: 102}
	n.handlePacket(packet(t, &protocol.PositionReport{SourceID: 2, Position: pos}))

	st, ok := n.Registry.Get(2)
	require.True(t, ok)
	assert.Equal(t, pos, st.Position)
	assert.Equal(t, mock.Now(), st.LastHeard)
}

func TestHandlePacketHeartbeatCreatesMinimalEntry(t *testing.T) {
	n, _, _ := newTestNode(t, 1, Options{})

	n.handlePacket(packet(t, &protocol.Heartbeat{SourceID: 3}))

	st, ok := n.Registry.Get(3)
	require.True(t, ok)
	assert.False(t, st.Position.Known())
}

func TestHandlePacketRejectsMalformed(t *testing.T) {
	n, _, _ := newTestNode(t, 1, Options{})

	pos := packet(t, &protocol.PositionReport{SourceID: 2})
	hb := packet(t, &protocol.Heartbeat{SourceID: 2})
	txt := packet(t, &protocol.TextMessage{SourceID: 2, Text: "x"})

	cases := map[string][]byte{
		"empty":          {},
		"short":          pos.Payload[:protocol.HeaderSize-1],
		"position short": pos.Payload[:protocol.PositionReportSize-1],
		"position long":  append(append([]byte(nil), pos.Payload...), 0),
		"heartbeat long": append(append([]byte(nil), hb.Payload...), 0, 0, 0, 0),
		"text short":     txt.Payload[:protocol.TextMessageSize-8],
	}
	for name, b := range cases {
		n.handlePacket(&broadcast.Packet{Payload: b, From: pos.From})
		assert.Zero(t, n.Registry.Len(), name)
	}
}

func TestHandlePacketIgnoresSelf(t *testing.T) {
	n, _, _ := newTestNode(t, 5, Options{})

	n.handlePacket(packet(t, &protocol.PositionReport{SourceID: 5, Position: peer.Position{Latitude: 1}}))
	n.handlePacket(packet(t, &protocol.Heartbeat{SourceID: 5}))
	n.handlePacket(packet(t, &protocol.TextMessage{SourceID: 5, Text: "me"}))

	assert.Zero(t, n.Registry.Len())
}

func TestHandlePacketUnknownTypeOnlyTouches(t *testing.T) {
	n, _, _ := newTestNode(t, 1, Options{})

	b := make([]byte, 20)
	protocol.ByteOrder.PutUint32(b[0:4], 77)
	protocol.ByteOrder.PutUint32(b[4:8], 9)
	n.handlePacket(&broadcast.Packet{Payload: b})

	st, ok := n.Registry.Get(9)
	require.True(t, ok)
	assert.False(t, st.Position.Known())
}

func TestHandlePacketText(t *testing.T) {
	type got struct {
		from uint32
		text protocol.Text
	}
	var texts []got
	n, _, _ := newTestNode(t, 1, Options{
		OnText: func(from uint32, _ *net.UDPAddr, text protocol.Text) {
			texts = append(texts, got{from, text})
		},
	})

	n.handlePacket(packet(t, &protocol.TextMessage{SourceID: 4, Text: "Hello from Node 4"}))

	assert.Equal(t, []got{{4, "Hello from Node 4"}}, texts)
	_, ok := n.Registry.Get(4)
	assert.True(t, ok, "text messages refresh liveness but are not stored")
}

func TestTickSchedules(t *testing.T) {
	n, tr, mock := newTestNode(t, 1, Options{
		PositionInterval:  5 * time.Second,
		HeartbeatInterval: time.Second,
		Greeting:          "Hello from Node 1",
	})
	ctx := context.Background()

	require.NoError(t, n.tick(ctx))
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeTextMessage, protocol.TypePositionReport, protocol.TypeHeartbeat,
	}, tr.drain(t))

	// Nothing is due 100ms later
	mock.Add(100 * time.Millisecond)
	require.NoError(t, n.tick(ctx))
	assert.Empty(t, tr.drain(t))

	mock.Add(900 * time.Millisecond)
	require.NoError(t, n.tick(ctx))
	assert.Equal(t, []protocol.MessageType{protocol.TypeHeartbeat}, tr.drain(t))

	// Position and heartbeat fire together, the greeting is never repeated
	mock.Add(4 * time.Second)
	require.NoError(t, n.tick(ctx))
	assert.Equal(t, []protocol.MessageType{protocol.TypePositionReport, protocol.TypeHeartbeat}, tr.drain(t))
}

func TestTickRetriesFailedSends(t *testing.T) {
	n, tr, mock := newTestNode(t, 1, Options{Greeting: "hi"})
	ctx := context.Background()

	tr.setFail(true)
	require.NoError(t, n.tick(ctx))
	assert.Empty(t, tr.drain(t))

	tr.setFail(false)
	mock.Add(100 * time.Millisecond)
	require.NoError(t, n.tick(ctx))
	assert.Equal(t, []protocol.MessageType{
		protocol.TypeTextMessage, protocol.TypePositionReport, protocol.TypeHeartbeat,
	}, tr.drain(t))
}

func TestTickPrunesStalePeers(t *testing.T) {
	n, _, mock := newTestNode(t, 1, Options{
		PositionInterval: 5 * time.Second,
		PruneInterval:    time.Second,
	})
	ctx := context.Background()
	assert.Equal(t, 15*time.Second, n.Options().PeerTimeout)

	n.Registry.Touch(2, mock.Now())
	mock.Add(10 * time.Second)
	n.Registry.Touch(3, mock.Now())

	mock.Add(6 * time.Second)
	require.NoError(t, n.tick(ctx))

	_, ok := n.Registry.Get(2)
	assert.False(t, ok, "peer 2 is 16s old")
	_, ok = n.Registry.Get(3)
	assert.True(t, ok, "peer 3 is 6s old")
}

func TestSayIsSentBySenderLoop(t *testing.T) {
	n, tr, mock := newTestNode(t, 1, Options{})
	ctx := context.Background()

	require.NoError(t, n.tick(ctx))
	tr.drain(t)

	require.True(t, n.Say("status green"))

	tr.setFail(true)
	mock.Add(100 * time.Millisecond)
	require.NoError(t, n.tick(ctx))

	tr.setFail(false)
	mock.Add(100 * time.Millisecond)
	require.NoError(t, n.tick(ctx))

	tr.mu.Lock()
	require.Len(t, tr.sent, 1)
	var msg protocol.TextMessage
	require.NoError(t, msg.UnmarshalBinary(tr.sent[0]))
	tr.mu.Unlock()
	assert.Equal(t, protocol.Text("status green"), msg.Text)
	assert.Equal(t, uint32(1), msg.SourceID)
}

func TestSayQueueFull(t *testing.T) {
	n, _, _ := newTestNode(t, 1, Options{})
	for i := 0; i < cap(n.outbox); i++ {
		require.True(t, n.Say("x"))
	}
	assert.False(t, n.Say("overflow"))
}

func TestDisplayPersistsSnapshot(t *testing.T) {
	idx := &memIndex{peers: map[uint32]peer.State{}}
	n, _, mock := newTestNode(t, 1, Options{DisplayInterval: time.Second, Index: idx})

	n.Registry.UpdatePosition(8, peer.Position{Latitude: 3, Longitude: 4}, mock.Now())
	mock.Add(time.Second)
	require.NoError(t, n.tick(context.Background()))
	n.persistWg.Wait()

	st, err := idx.Get(8)
	require.NoError(t, err)
	assert.Equal(t, 3.0, st.Position.Latitude)
}

func TestFormatPeerTable(t *testing.T) {
	now := time.Unix(100, 0)
	assert.Empty(t, FormatPeerTable(nil, now))

	table := FormatPeerTable([]peer.State{
		{ID: 2, LastHeard: now.Add(-3 * time.Second)},
		{ID: 4, Position: peer.Position{Latitude: 50.04, Longitude: -0.96, Altitude: 104}, LastHeard: now},
	}, now)
	assert.Contains(t, table, "Known peers (2)")
	assert.Contains(t, table, "Node 2 | Pos: N/A | Last heard: 3s ago")
	assert.Contains(t, table, "Node 4 | Pos: 50.04000/-0.96000 @ 104.0m | Last heard: 0s ago")
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := newFakeTransport()
	n := New(1, tr, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	tr.inbox <- packet(t, &protocol.PositionReport{SourceID: 6, Position: peer.Position{Latitude: 1}})
	require.Eventually(t, func() bool {
		_, ok := n.Registry.Get(6)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.NotEmpty(t, tr.drain(t), "sender loop broadcast while running")
}

func TestRunOverLoopback(t *testing.T) {
	tr, err := broadcast.New(broadcast.Config{
		BroadcastAddress: "127.0.0.1",
		ReceiveTimeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer tr.Close()

	n := New(1, tr, Options{PollInterval: 10 * time.Millisecond, Greeting: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	// Our own broadcasts loop back and must be ignored; a packet from another id must not
	want := peer.Position{Latitude: 48.1, Longitude: 11.5, Altitude: 520}
	b, err := (&protocol.PositionReport{SourceID: 7, Position: want}).MarshalBinary()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tr.Broadcast(b)
		st, ok := n.Registry.Get(7)
		return ok && st.Position == want
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	snap := n.Registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint32(7), snap[0].ID)
}
