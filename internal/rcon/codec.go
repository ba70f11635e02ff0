// Package rcon implements the Source-style remote console protocol spoken by
// the Palworld dedicated server. Every frame is little-endian:
//
//	[length:4][id:4][kind:4][body...][0x00][0x00]
//
// where length counts everything after the length field itself.
package rcon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Frame kinds. AuthResponse and ExecCommand share the value 2; which one a
// frame means depends on the phase of the connection.
const (
	KindResponseValue int32 = 0
	KindExecCommand   int32 = 2
	KindAuthResponse  int32 = 2
	KindAuth          int32 = 3
)

const (
	// MaxFrameSize is the largest value the length prefix may carry.
	MaxFrameSize = 4096

	// LengthPrefixSize is the size of the length field in bytes.
	LengthPrefixSize = 4

	// frameOverhead is id + kind + the two trailing null bytes.
	frameOverhead = 4 + 4 + 2
)

// Frame is a single RCON message.
type Frame struct {
	ID   int32
	Kind int32
	Body string
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{id: %d, kind: %d, body: %q}", f.ID, f.Kind, f.Body)
}

// Decode extracts one frame from the front of buf. It returns (nil, nil) when
// buf does not hold a complete frame yet, so callers can keep appending
// network reads to the same buffer and call Decode again.
func Decode(buf *bytes.Buffer) (*Frame, error) {
	if buf.Len() < LengthPrefixSize {
		return nil, nil
	}

	data := buf.Bytes()
	length := int(binary.LittleEndian.Uint32(data[:LengthPrefixSize]))
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, length)
	}
	if length < frameOverhead {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, length)
	}

	if buf.Len() < LengthPrefixSize+length {
		buf.Grow(LengthPrefixSize + length - buf.Len())
		return nil, nil
	}

	raw := buf.Next(LengthPrefixSize + length)[LengthPrefixSize:]
	id := int32(binary.LittleEndian.Uint32(raw[0:4]))
	kind := int32(binary.LittleEndian.Uint32(raw[4:8]))
	body := raw[8 : length-2]

	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: frame id %d kind %d", ErrInvalidBody, id, kind)
	}

	return &Frame{
		ID:   id,
		Kind: kind,
		Body: string(body),
	}, nil
}

// Encode returns the wire encoding of f.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(nil, f)
}

// AppendFrame appends the wire encoding of f to dst. Oversized bodies are
// rejected, never truncated.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	length := len(f.Body) + frameOverhead
	if length > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, MaxFrameSize)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(length))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.ID))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Kind))
	dst = append(dst, f.Body...)
	dst = append(dst, 0, 0)
	return dst, nil
}
