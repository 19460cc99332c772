package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"cell-rpc/message"
)

// BinaryCodec lays an RPCMessage out as four length-prefixed sections:
//
//	┌────┬───────────────┬────┬─────────┬────┬───────┬────┬───────────┐
//	│ 2  │ ServiceMethod │ 4  │ Payload │ 2  │ Error │ 4  │ CellBlock │
//	└────┴───────────────┴────┴─────────┴────┴───────┴────┴───────────┘
type BinaryCodec struct{}

var errNotRPCMessage = errors.New("BinaryCodec: v must be *RPCMessage")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotRPCMessage
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: service method or error text too long")
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 || uint64(len(msg.CellBlock)) > math.MaxUint32 {
		return nil, errors.New("BinaryCodec: payload or cell block too large")
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+4+len(msg.Payload)+2+len(msg.Error)+4+len(msg.CellBlock))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.CellBlock)))
	buf = append(buf, msg.CellBlock...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotRPCMessage
	}

	r := reader{data: data}
	serviceMethod := r.section(2)
	payload := r.section(4)
	errText := r.section(2)
	cellBlock := r.section(4)
	if r.err != nil {
		return r.err
	}

	msg.ServiceMethod = string(serviceMethod)
	msg.Payload = clone(payload)
	msg.Error = string(errText)
	msg.CellBlock = clone(cellBlock)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks length-prefixed sections, recording the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) section(prefix int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.off < prefix {
		r.err = fmt.Errorf("BinaryCodec: truncated length at offset %d", r.off)
		return nil
	}
	var n int
	if prefix == 2 {
		n = int(binary.BigEndian.Uint16(r.data[r.off:]))
	} else {
		n = int(binary.BigEndian.Uint32(r.data[r.off:]))
	}
	r.off += prefix
	if len(r.data)-r.off < n {
		r.err = fmt.Errorf("BinaryCodec: section of %d bytes exceeds %d remaining", n, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
