package rcon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sentinel request ids. The server echoes the auth id back on success;
// exec replies are matched by kind only.
const (
	authRequestID int32 = 13
	execRequestID int32 = 14
)

const (
	// DefaultTimeout bounds a single request/response exchange.
	DefaultTimeout = 10 * time.Second

	readChunkSize = 4096
)

var errConnClosed = errors.New("rcon: use of closed connection")

type connState int

const (
	stateHandshake connState = iota
	stateReady
	stateBroken
)

func (s connState) String() string {
	switch s {
	case stateHandshake:
		return "handshake"
	case stateReady:
		return "ready"
	case stateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Conn is a single RCON connection. It is strictly request/response and is
// not safe for concurrent use: exactly one goroutine may own it.
type Conn struct {
	rw      io.ReadWriteCloser
	buf     bytes.Buffer
	chunk   []byte
	timeout time.Duration
	logger  zerolog.Logger

	state connState
	err   error
}

type dialOptions struct {
	password    string
	hasPassword bool
	timeout     time.Duration
	dialer      *net.Dialer
}

// DialOption customizes Dial.
type DialOption func(*dialOptions)

// WithPassword authenticates the connection right after it is opened.
// Without this option no Auth frame is sent.
func WithPassword(password string) DialOption {
	return func(o *dialOptions) {
		o.password = password
		o.hasPassword = true
	}
}

// WithTimeout sets the I/O deadline of a single exchange. Zero disables it.
func WithTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		o.timeout = d
	}
}

// WithDialer replaces the default net.Dialer.
func WithDialer(d *net.Dialer) DialOption {
	return func(o *dialOptions) {
		o.dialer = d
	}
}

// Dial opens a TCP connection to address and, when a password was supplied,
// performs the auth handshake. A failed handshake closes the connection.
func Dial(ctx context.Context, address string, opts ...DialOption) (*Conn, error) {
	o := dialOptions{
		timeout: DefaultTimeout,
		dialer:  &net.Dialer{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}

	nc, err := o.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	if tcpConn, ok := nc.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := NewConn(nc, o.timeout)
	if o.hasPassword {
		if err := c.Authenticate(o.password); err != nil {
			return nil, err
		}
	}

	c.logger.Info().
		Bool("authenticated", o.hasPassword).
		Msg("rcon connection established")

	return c, nil
}

// NewConn wraps an already open stream. Deadlines are applied only when rw
// supports SetDeadline.
func NewConn(rw io.ReadWriteCloser, timeout time.Duration) *Conn {
	logger := log.With().Str("component", "rcon").Logger()
	if nc, ok := rw.(net.Conn); ok && nc.RemoteAddr() != nil {
		logger = logger.With().Str("remote", nc.RemoteAddr().String()).Logger()
	}
	return &Conn{
		rw:      rw,
		chunk:   make([]byte, readChunkSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Authenticate sends the Auth frame and requires an AuthResponse carrying
// the same id. Any other outcome is ErrAuthenticationFailed and the
// connection is closed.
func (c *Conn) Authenticate(password string) error {
	if c.state != stateHandshake {
		return fmt.Errorf("rcon: authenticate in state %s", c.state)
	}

	resp, err := c.roundTrip(Frame{ID: authRequestID, Kind: KindAuth, Body: password})
	if err == nil && (resp.ID != authRequestID || resp.Kind != KindAuthResponse) {
		err = &ProtocolError{Op: "auth", Frame: *resp}
	}
	if err != nil {
		err = fmt.Errorf("%w (probably wrong password): %w", ErrAuthenticationFailed, err)
		c.fail(err)
		c.rw.Close()
		return err
	}

	c.state = stateReady
	return nil
}

// Execute sends command and returns the body of the single reply frame
// unmodified. A reply of any kind other than ResponseValue is a protocol
// violation and breaks the connection.
func (c *Conn) Execute(command string) (string, error) {
	if c.state == stateBroken {
		return "", c.err
	}

	req := Frame{ID: execRequestID, Kind: KindExecCommand, Body: command}
	data, err := Encode(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCommandTooLarge, err)
	}
	c.state = stateReady

	resp, err := c.exchange(data)
	if err != nil {
		c.fail(err)
		return "", err
	}
	if resp.Kind != KindResponseValue {
		err := &ProtocolError{Op: "exec", Frame: *resp}
		c.fail(err)
		return "", err
	}

	c.logger.Trace().
		Str("command", command).
		Int("response_len", len(resp.Body)).
		Msg("command executed")

	return resp.Body, nil
}

// Close closes the underlying stream. Further calls fail.
func (c *Conn) Close() error {
	if c.state == stateBroken && errors.Is(c.err, errConnClosed) {
		return nil
	}
	c.state = stateBroken
	c.err = errConnClosed
	return c.rw.Close()
}

func (c *Conn) fail(err error) {
	if c.state == stateBroken {
		return
	}
	c.state = stateBroken
	c.err = err
	c.logger.Warn().Err(err).Msg("rcon connection broken")
}

func (c *Conn) roundTrip(f Frame) (*Frame, error) {
	data, err := Encode(f)
	if err != nil {
		return nil, err
	}
	return c.exchange(data)
}

func (c *Conn) exchange(data []byte) (*Frame, error) {
	if d, ok := c.rw.(interface{ SetDeadline(time.Time) error }); ok && c.timeout > 0 {
		d.SetDeadline(time.Now().Add(c.timeout))
		defer d.SetDeadline(time.Time{})
	}

	if _, err := c.rw.Write(data); err != nil {
		return nil, classifyIOError("write", err)
	}
	return c.readFrame()
}

// readFrame decodes exactly one frame, reading from the stream as needed.
func (c *Conn) readFrame() (*Frame, error) {
	for {
		f, err := Decode(&c.buf)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}

		n, rerr := c.rw.Read(c.chunk)
		c.buf.Write(c.chunk[:n])
		if rerr != nil {
			if f, err := Decode(&c.buf); err == nil && f != nil {
				return f, nil
			}
			return nil, classifyIOError("read", rerr)
		}
	}
}

func classifyIOError(op string, err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %s: %w", ErrConnectionReset, op, err)
	default:
		return fmt.Errorf("rcon: %s failed: %w", op, err)
	}
}
