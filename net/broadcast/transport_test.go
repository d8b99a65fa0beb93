package broadcast

import (
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopback(t *testing.T, timeout time.Duration) *Transport {
	t.Helper()
	tr, err := New(Config{
		Port:             0,
		BroadcastAddress: "127.0.0.1",
		ReceiveTimeout:   timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestReceiveTimeoutIsNotAnError(t *testing.T) {
	tr := newLoopback(t, 100*time.Millisecond)

	start := time.Now()
	pkt, err := tr.Receive()
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Nil(t, pkt)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestBroadcastLoopback(t *testing.T) {
	tr := newLoopback(t, time.Second)

	require.True(t, tr.Broadcast([]byte("ping")))

	pkt, err := tr.Receive()
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, []byte("ping"), pkt.Payload)
	assert.True(t, pkt.From.IP.IsLoopback())
}

func TestReceiveCopiesPayload(t *testing.T) {
	tr := newLoopback(t, time.Second)

	require.True(t, tr.Broadcast([]byte("first")))
	require.True(t, tr.Broadcast([]byte("2nd")))

	a, err := tr.Receive()
	require.NoError(t, err)
	b, err := tr.Receive()
	require.NoError(t, err)

	assert.Equal(t, []byte("first"), a.Payload)
	assert.Equal(t, []byte("2nd"), b.Payload)
}

func TestDestinationFollowsEphemeralPort(t *testing.T) {
	tr := newLoopback(t, time.Second)

	local := tr.LocalAddr().(*net.UDPAddr)
	assert.Equal(t, local.Port, tr.Destination().Port)
	assert.NotZero(t, local.Port)
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := New(Config{BroadcastAddress: "not-an-ip", ReceiveTimeout: time.Second})
	assert.Error(t, err)

	_, err = New(Config{BroadcastAddress: "::1", ReceiveTimeout: time.Second})
	assert.Error(t, err)

	_, err = New(Config{BroadcastAddress: "127.0.0.1"})
	assert.Error(t, err)
}

func TestNewBindFailureReleasesSendSocket(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on Linux SO_REUSEADDR semantics for UDP")
	}

	// A socket without SO_REUSEADDR keeps the port exclusive
	hog, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer hog.Close()
	port := hog.LocalAddr().(*net.UDPAddr).Port

	tr, err := New(Config{Port: port, BroadcastAddress: "127.0.0.1", ReceiveTimeout: time.Second})
	assert.Error(t, err)
	assert.Nil(t, tr)
}

func TestCloseIdempotent(t *testing.T) {
	tr := newLoopback(t, 50*time.Millisecond)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, tr.Broadcast([]byte("x")))
}
