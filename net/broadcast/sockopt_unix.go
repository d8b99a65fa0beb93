//go:build unix

package broadcast

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func setBool(c syscall.RawConn, opt int) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func sendControl(_, _ string, c syscall.RawConn) error {
	return setBool(c, unix.SO_BROADCAST)
}

// SO_REUSEADDR lets several nodes on one host share the discovery port.
func receiveControl(_, _ string, c syscall.RawConn) error {
	return setBool(c, unix.SO_REUSEADDR)
}

// ICMP port unreachable replies surface as ECONNREFUSED/ECONNRESET on some stacks.
func isConnReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.ECONNREFUSED)
}
