package rcon

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveFrames answers every decoded request with the frames returned by
// handle. Returning hangup=true closes the stream after writing.
func serveFrames(t *testing.T, conn net.Conn, handle func(req Frame) (resp []Frame, hangup bool)) {
	t.Helper()
	go func() {
		defer conn.Close()
		var buf bytes.Buffer
		chunk := make([]byte, 512)
		for {
			n, err := conn.Read(chunk)
			if err != nil {
				return
			}
			buf.Write(chunk[:n])
			for {
				req, err := Decode(&buf)
				if err != nil || req == nil {
					break
				}
				resp, hangup := handle(*req)
				for _, f := range resp {
					data, err := Encode(f)
					if err != nil {
						return
					}
					if _, err := conn.Write(data); err != nil {
						return
					}
				}
				if hangup {
					return
				}
			}
		}
	}()
}

func newPipeConn(t *testing.T, handle func(req Frame) ([]Frame, bool)) *Conn {
	t.Helper()
	client, server := net.Pipe()
	serveFrames(t, server, handle)
	c := NewConn(client, time.Second)
	t.Cleanup(func() { c.Close() })
	return c
}

func echoServer(password string) func(req Frame) ([]Frame, bool) {
	return func(req Frame) ([]Frame, bool) {
		switch req.Kind {
		case KindAuth:
			if req.Body != password {
				return []Frame{{ID: -1, Kind: KindAuthResponse}}, false
			}
			return []Frame{{ID: req.ID, Kind: KindAuthResponse}}, false
		default:
			return []Frame{{ID: req.ID, Kind: KindResponseValue, Body: "echo: " + req.Body + " \n"}}, false
		}
	}
}

func TestAuthenticateAndExecute(t *testing.T) {
	c := newPipeConn(t, echoServer("hunter2"))

	require.NoError(t, c.Authenticate("hunter2"))

	resp, err := c.Execute("Info")
	require.NoError(t, err)
	assert.Equal(t, "echo: Info \n", resp, "body must be returned unmodified")

	resp, err = c.Execute("ShowPlayers")
	require.NoError(t, err)
	assert.Equal(t, "echo: ShowPlayers \n", resp)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	c := newPipeConn(t, echoServer("hunter2"))

	err := c.Authenticate("letmein")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int32(-1), perr.Frame.ID)

	_, err = c.Execute("Info")
	require.ErrorIs(t, err, ErrAuthenticationFailed, "connection must stay unusable after failed auth")
}

func TestAuthenticateServerHangsUp(t *testing.T) {
	c := newPipeConn(t, func(Frame) ([]Frame, bool) { return nil, true })

	err := c.Authenticate("hunter2")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.ErrorIs(t, err, ErrConnectionReset)
}

func TestAuthenticateOnlyDuringHandshake(t *testing.T) {
	c := newPipeConn(t, echoServer(""))

	require.NoError(t, c.Authenticate(""))
	require.Error(t, c.Authenticate(""))
}

func TestExecuteUnexpectedKind(t *testing.T) {
	c := newPipeConn(t, func(req Frame) ([]Frame, bool) {
		return []Frame{{ID: req.ID, Kind: KindAuthResponse, Body: "nope"}}, false
	})

	_, err := c.Execute("Info")
	require.ErrorIs(t, err, ErrProtocolViolation)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nope", perr.Frame.Body)
	assert.Equal(t, KindAuthResponse, perr.Frame.Kind)
	assert.True(t, IsFatal(err))

	_, again := c.Execute("Info")
	assert.Equal(t, err, again)
}

func TestExecuteConnectionReset(t *testing.T) {
	c := newPipeConn(t, func(Frame) ([]Frame, bool) { return nil, true })

	_, err := c.Execute("Save")
	require.ErrorIs(t, err, ErrConnectionReset)
	assert.True(t, IsFatal(err))
}

func TestExecuteOversizedCommandKeepsConnection(t *testing.T) {
	c := newPipeConn(t, echoServer(""))

	_, err := c.Execute("Broadcast " + strings.Repeat("a", MaxFrameSize))
	require.ErrorIs(t, err, ErrCommandTooLarge)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.False(t, IsFatal(err))

	resp, err := c.Execute("Info")
	require.NoError(t, err)
	assert.Equal(t, "echo: Info \n", resp)
}

func TestExecuteSplitReply(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client, time.Second)
	t.Cleanup(func() { c.Close() })

	go func() {
		defer server.Close()
		var buf bytes.Buffer
		chunk := make([]byte, 512)
		for {
			n, err := server.Read(chunk)
			if err != nil {
				return
			}
			buf.Write(chunk[:n])
			if req, _ := Decode(&buf); req != nil {
				break
			}
		}
		data, _ := Encode(Frame{ID: 14, Kind: KindResponseValue, Body: "Game was successfully saved."})
		for _, b := range data {
			if _, err := server.Write([]byte{b}); err != nil {
				return
			}
		}
	}()

	resp, err := c.Execute("Save")
	require.NoError(t, err)
	assert.Equal(t, "Game was successfully saved.", resp)
}

func TestExecuteAfterClose(t *testing.T) {
	c := newPipeConn(t, echoServer(""))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Execute("Info")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errConnClosed))
}

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			serveFrames(t, conn, echoServer("hunter2"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, ln.Addr().String(), WithPassword("hunter2"), WithTimeout(time.Second))
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Execute("Info")
	require.NoError(t, err)
	assert.Equal(t, "echo: Info \n", resp)

	_, err = Dial(ctx, ln.Addr().String(), WithPassword("wrong"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}
