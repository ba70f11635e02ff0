//go:build !linux && !windows

package network

import "syscall"

func setReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
