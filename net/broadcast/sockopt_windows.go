//go:build windows

package broadcast

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

func setBool(c syscall.RawConn, opt int) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, opt, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func sendControl(_, _ string, c syscall.RawConn) error {
	return setBool(c, windows.SO_BROADCAST)
}

func receiveControl(_, _ string, c syscall.RawConn) error {
	return setBool(c, windows.SO_REUSEADDR)
}

// recvfrom reports WSAECONNRESET after a previous send hit an ICMP port unreachable.
func isConnReset(err error) bool {
	return errors.Is(err, windows.WSAECONNRESET)
}
