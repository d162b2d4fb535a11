//go:build linux

package riotls

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func listenControl(reusePort bool) func(network string, address string, c syscall.RawConn) error {
	if !reusePort {
		return nil
	}
	return func(network string, address string, c syscall.RawConn) (err error) {
		if network == "unix" {
			return
		}
		ctrlErr := c.Control(func(fd uintptr) {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if ctrlErr != nil {
			err = ctrlErr
		}
		return
	}
}
