package rcon

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("rcon: frame too large")

	// ErrCommandTooLarge is returned by Execute when the command does not
	// fit into a single frame. It also matches ErrFrameTooLarge.
	ErrCommandTooLarge = errors.New("rcon: command too large")

	// ErrMalformedFrame is returned when a length prefix is too small to
	// hold the id, kind and terminator fields.
	ErrMalformedFrame = errors.New("rcon: malformed frame")

	// ErrInvalidBody is returned when a frame body is not valid UTF-8.
	ErrInvalidBody = errors.New("rcon: frame body is not valid utf-8")

	// ErrAuthenticationFailed is returned by Dial when the server rejects the
	// password or answers the handshake with an unexpected frame.
	ErrAuthenticationFailed = errors.New("rcon: authentication failed")

	// ErrProtocolViolation is returned when a reply has an unexpected kind.
	ErrProtocolViolation = errors.New("rcon: protocol violation")

	// ErrConnectionReset is returned when the stream closes while a reply
	// is expected.
	ErrConnectionReset = errors.New("rcon: connection closed unexpectedly")
)

// ProtocolError carries the offending frame of a protocol violation.
type ProtocolError struct {
	Op    string
	Frame Frame
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rcon: protocol violation during %s: unexpected %s", e.Op, e.Frame)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// IsFatal reports whether err leaves the connection unusable. Only an
// oversized outgoing command is recoverable since it is rejected before
// anything reaches the wire.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCommandTooLarge)
}
