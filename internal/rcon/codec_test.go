package rcon

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	data, err := Encode(Frame{ID: 14, Kind: KindExecCommand, Body: "Info"})
	require.NoError(t, err)

	expected := []byte{
		14, 0, 0, 0, // length: 4 + 4 + 4 + 2
		14, 0, 0, 0, // id
		2, 0, 0, 0, // kind
		'I', 'n', 'f', 'o',
		0, 0,
	}
	assert.Equal(t, expected, data)
}

func TestEncodeNegativeID(t *testing.T) {
	data, err := Encode(Frame{ID: -1, Kind: KindAuthResponse})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, data[4:8])
}

func TestRoundTrip(t *testing.T) {
	frames := []Frame{
		{ID: 13, Kind: KindAuth, Body: "secret"},
		{ID: 14, Kind: KindExecCommand, Body: ""},
		{ID: 0, Kind: KindResponseValue, Body: "Welcome to Pal Server[v0.1.4.0] Default Palworld Server\n"},
		{ID: -1, Kind: KindAuthResponse, Body: "héllo wörld ✓"},
		{ID: 7, Kind: KindResponseValue, Body: strings.Repeat("x", MaxFrameSize-frameOverhead)},
	}

	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(data)-LengthPrefixSize, MaxFrameSize)

		buf := bytes.NewBuffer(data)
		decoded, err := Decode(buf)
		require.NoError(t, err)
		require.NotNil(t, decoded)
		assert.Equal(t, f, *decoded)
		assert.Zero(t, buf.Len(), "decode must consume the whole frame")
	}
}

func TestDecodePartialDelivery(t *testing.T) {
	data, err := Encode(Frame{ID: 14, Kind: KindResponseValue, Body: "name,playeruid,steamid\n"})
	require.NoError(t, err)

	var buf bytes.Buffer
	for i := 0; i < len(data)-1; i++ {
		buf.WriteByte(data[i])
		f, err := Decode(&buf)
		require.NoError(t, err)
		require.Nil(t, f, "frame decoded after only %d of %d bytes", i+1, len(data))
	}

	buf.WriteByte(data[len(data)-1])
	f, err := Decode(&buf)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "name,playeruid,steamid\n", f.Body)

	f, err = Decode(&buf)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestDecodeBackToBackFrames(t *testing.T) {
	first, err := Encode(Frame{ID: 1, Kind: KindResponseValue, Body: "one"})
	require.NoError(t, err)
	second, err := Encode(Frame{ID: 2, Kind: KindResponseValue, Body: "two"})
	require.NoError(t, err)

	buf := bytes.NewBuffer(append(first, second[:5]...))

	f, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "one", f.Body)

	f, err = Decode(buf)
	require.NoError(t, err)
	assert.Nil(t, f)

	buf.Write(second[5:])
	f, err = Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, int32(2), f.ID)
	assert.Equal(t, "two", f.Body)
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	for _, size := range []int{MaxFrameSize - frameOverhead + 1, MaxFrameSize, 10 * MaxFrameSize} {
		_, err := Encode(Frame{ID: 14, Kind: KindExecCommand, Body: strings.Repeat("a", size)})
		require.ErrorIs(t, err, ErrFrameTooLarge, "body of %d bytes", size)
	}
}

func TestAppendFrameLeavesDstOnError(t *testing.T) {
	dst := []byte{1, 2, 3}
	out, err := AppendFrame(dst, Frame{Body: strings.Repeat("a", MaxFrameSize)})
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.LittleEndian.AppendUint32(nil, MaxFrameSize+1))

	_, err := Decode(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsShortLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.LittleEndian.AppendUint32(nil, 9))
	buf.Write(make([]byte, 9))

	_, err := Decode(&buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	data, err := Encode(Frame{ID: 1, Kind: KindResponseValue, Body: "ok"})
	require.NoError(t, err)
	data[12] = 0xff
	data[13] = 0xfe

	_, err = Decode(bytes.NewBuffer(data))
	require.ErrorIs(t, err, ErrInvalidBody)
}
