// Package broadcast implements a best-effort UDP broadcast transport.
// Send: a datagram is sent to the configured broadcast address.
// Receive: a single datagram is read from the listening socket, waiting at most the configured timeout.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	log "github.com/sirupsen/logrus"
)

// Largest datagram we are willing to read. Anything longer is truncated by the kernel
// and rejected by the size checks of the decoder.
const receiveBufferSize = 2048

var ErrClosed = errors.New("transport closed")

type Config struct {
	Port             int           // Port used both for listening and as the broadcast destination. 0 picks an ephemeral port.
	BroadcastAddress string        // Destination IPv4 address, usually 255.255.255.255 or a subnet broadcast
	ReceiveTimeout   time.Duration // Upper bound for a single Receive call
}

// Packet is a single received datagram.
type Packet struct {
	Payload []byte
	From    *net.UDPAddr
}

type Transport struct {
	wc      *net.UDPConn // Send endpoint, broadcast enabled
	rc      *net.UDPConn // Receive endpoint, bound to all interfaces
	dst     *net.UDPAddr
	timeout time.Duration
	buf     []byte

	closeOnce sync.Once
	closeErr  error
}

// New allocates both endpoints. Either both are returned ready to use or nothing is left open.
func New(cfg Config) (t *Transport, err error) {
	ip := net.ParseIP(cfg.BroadcastAddress).To4()
	if ip == nil {
		return nil, fmt.Errorf("broadcast: invalid IPv4 broadcast address %q", cfg.BroadcastAddress)
	}
	if cfg.ReceiveTimeout <= 0 {
		return nil, fmt.Errorf("broadcast: receive timeout must be positive, got %v", cfg.ReceiveTimeout)
	}

	t = &Transport{
		timeout: cfg.ReceiveTimeout,
		buf:     make([]byte, receiveBufferSize),
	}

	// Release whatever was acquired if a later step fails
	defer func() {
		if err != nil {
			err = multierr.Append(err, t.Close())
			t = nil
		}
	}()

	ctx := context.Background()

	wlc := net.ListenConfig{Control: sendControl}
	wpc, err := wlc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return t, fmt.Errorf("broadcast: failed to create send socket: %w", err)
	}
	t.wc = wpc.(*net.UDPConn)

	rlc := net.ListenConfig{Control: receiveControl}
	rpc, err := rlc.ListenPacket(ctx, "udp4", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return t, fmt.Errorf("broadcast: failed to bind receive socket on port %d: %w", cfg.Port, err)
	}
	t.rc = rpc.(*net.UDPConn)

	// With an ephemeral port the destination follows whatever the kernel assigned
	port := cfg.Port
	if port == 0 {
		port = t.rc.LocalAddr().(*net.UDPAddr).Port
	}
	t.dst = &net.UDPAddr{IP: ip, Port: port}

	log.Infof("broadcast: transport ready, listening on %s, broadcasting to %s", t.rc.LocalAddr(), t.dst)

	return t, nil
}

// LocalAddr returns the address of the receive endpoint.
func (t *Transport) LocalAddr() net.Addr {
	return t.rc.LocalAddr()
}

// Destination returns the address datagrams are broadcast to.
func (t *Transport) Destination() *net.UDPAddr {
	return t.dst
}

// Broadcast sends b to the broadcast address. Failures are logged and reported as false.
// A datagram that leaves the socket shorter than b counts as a failure.
func (t *Transport) Broadcast(b []byte) bool {
	if err := t.send(b); err != nil {
		log.Warnf("broadcast: send failed: %v", err)
		return false
	}
	return true
}

func (t *Transport) send(b []byte) error {
	if t.wc == nil {
		return ErrClosed
	}
	n, err := t.wc.WriteToUDP(b, t.dst)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(b))
	}
	return nil
}

// Receive waits for the next datagram for at most the configured timeout.
// It returns (nil, nil) when nothing arrived in time or when the socket reported a
// connection reset, which is meaningless on an unconnected datagram socket.
// Any other error is returned; the transport stays usable and the caller may retry.
// Receive must not be called concurrently.
func (t *Transport) Receive() (*Packet, error) {
	if t.rc == nil {
		return nil, ErrClosed
	}
	if err := t.rc.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("broadcast: failed to set read deadline: %w", err)
	}

	n, from, err := t.rc.ReadFromUDP(t.buf)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, nil
		case isConnReset(err):
			log.Debugf("broadcast: ignoring connection reset: %v", err)
			return nil, nil
		case errors.Is(err, net.ErrClosed):
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("broadcast: receive failed: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	payload := make([]byte, n)
	copy(payload, t.buf[:n])
	return &Packet{Payload: payload, From: from}, nil
}

// Close releases both endpoints. It is safe to call more than once and on a partially initialized transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.wc != nil {
			t.closeErr = multierr.Append(t.closeErr, t.wc.Close())
		}
		if t.rc != nil {
			t.closeErr = multierr.Append(t.closeErr, t.rc.Close())
		}
		log.Debug("broadcast: transport closed")
	})
	return t.closeErr
}
