package network

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenRebindsImmediately(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()
	<-accepted
	require.NoError(t, ln.Close())

	again, err := Listen(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, addr, again.Addr().String())
	again.Close()
}

func TestListenInvalidAddress(t *testing.T) {
	_, err := Listen(context.Background(), "not-an-address")
	assert.Error(t, err)
}
