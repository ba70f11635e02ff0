// Package network opens the gateway's listening sockets.
package network

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a TCP listener on address with SO_REUSEADDR set, so a
// restarted gateway can rebind a port still in TIME_WAIT.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ln, nil
}
