//go:build !linux

package riotls

import (
	"syscall"
)

func listenControl(_ bool) func(network string, address string, c syscall.RawConn) error {
	return nil
}
