// Package protocol implements the binary frame protocol of cell-rpc.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ crp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Cancel frames carry no body; their seq names the request being canceled.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14

	// MaxBodyLen bounds a single frame body so a corrupt header cannot force
	// an arbitrarily large allocation.
	MaxBodyLen uint32 = 64 << 20
)

// MsgType distinguishes the kinds of frame.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
	MsgTypeCancel    MsgType = 3 // Client → Server cancel of request Seq (no body)
)

func (t MsgType) valid() bool { return t <= MsgTypeCancel }

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeCancel:
		return "cancel"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrBadMagic     = errors.New("protocol: invalid magic number")
	ErrBadVersion   = errors.New("protocol: unsupported version")
	ErrBadCodec     = errors.New("protocol: unsupported codec type")
	ErrBadMsgType   = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge = errors.New("protocol: body too large")
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Matches a response or cancel to its request
	BodyLen   uint32
}

func (h *Header) marshal(buf []byte) {
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
}

func (h *Header) unmarshal(buf []byte) error {
	if buf[0] != MagicNumber || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return fmt.Errorf("%w: %x", ErrBadMagic, buf[0:3])
	}
	if buf[3] != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, buf[3])
	}
	if buf[4] != CodecTypeJSON && buf[4] != CodecTypeBinary {
		return fmt.Errorf("%w: %d", ErrBadCodec, buf[4])
	}
	if !MsgType(buf[5]).valid() {
		return fmt.Errorf("%w: %d", ErrBadMsgType, buf[5])
	}
	h.CodecType = buf[4]
	h.MsgType = MsgType(buf[5])
	h.Seq = binary.BigEndian.Uint32(buf[6:10])
	h.BodyLen = binary.BigEndian.Uint32(buf[10:14])
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodyLen)
	}
	return nil
}

// Encode writes a complete frame to w in a single Write. BodyLen is taken
// from len(body). Callers sharing w across goroutines must serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	h.BodyLen = uint32(len(body))
	buf := make([]byte, HeaderSize+len(body))
	h.marshal(buf)
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// EncodeCancel writes a bodiless cancel frame for request seq.
func EncodeCancel(w io.Writer, seq uint32) error {
	return Encode(w, &Header{MsgType: MsgTypeCancel, Seq: seq}, nil)
}

// Decode reads a complete frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}

	h := new(Header)
	if err := h.unmarshal(buf); err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
