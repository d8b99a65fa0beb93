//go:build !unix && !windows

package broadcast

import "syscall"

func sendControl(_, _ string, _ syscall.RawConn) error { return nil }

func receiveControl(_, _ string, _ syscall.RawConn) error { return nil }

func isConnReset(error) bool { return false }
