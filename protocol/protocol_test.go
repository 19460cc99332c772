package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawHeader(magic [3]byte, version, codec, msgType byte, seq, bodyLen uint32) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf, magic[:])
	buf[3], buf[4], buf[5] = version, codec, msgType
	binary.BigEndian.PutUint32(buf[6:10], seq)
	binary.BigEndian.PutUint32(buf[10:14], bodyLen)
	return buf
}

var magic = [3]byte{MagicNumber, MagicByte2, MagicByte3}

func TestEncodeDecode(t *testing.T) {
	header := Header{CodecType: CodecTypeBinary, MsgType: MsgTypeRequest, Seq: 12345}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, uint32(len(body)), header.BodyLen)
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	got, gotBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header, *got)
	assert.Equal(t, body, gotBody)
}

func TestEncodeCancel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeCancel(&buf, 42))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeCancel, h.MsgType)
	assert.Equal(t, uint32(42), h.Seq)
	assert.Empty(t, body)
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeResponse, Seq: seq}, bytes.Repeat([]byte{'x'}, int(seq))))
	}
	for seq := uint32(1); seq <= 3; seq++ {
		h, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, seq, h.Seq)
		assert.Len(t, body, int(seq))
	}
	_, _, err := Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	cases := []struct {
		name   string
		header []byte
		want   error
	}{
		{"magic", rawHeader([3]byte{'m', 'r', 'p'}, Version, CodecTypeJSON, 0, 1, 0), ErrBadMagic},
		{"version", rawHeader(magic, 9, CodecTypeJSON, 0, 1, 0), ErrBadVersion},
		{"codec", rawHeader(magic, Version, 7, 0, 1, 0), ErrBadCodec},
		{"msgtype", rawHeader(magic, Version, CodecTypeJSON, 9, 1, 0), ErrBadMsgType},
		{"bodylen", rawHeader(magic, Version, CodecTypeJSON, 0, 1, MaxBodyLen+1), ErrBodyTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode(bytes.NewReader(tc.header))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame := append(rawHeader(magic, Version, CodecTypeJSON, byte(MsgTypeRequest), 1, 10), []byte("short")...)
	_, _, err := Decode(bytes.NewReader(frame))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
