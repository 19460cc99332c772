package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cell-rpc/cell"
	"cell-rpc/message"
)

func TestCodecs(t *testing.T) {
	block, _, err := cell.EncodeBlock(cell.NewSliceScanner(
		cell.Cell{Row: []byte("r1"), Family: []byte("cf"), Qualifier: []byte("q"), Type: cell.TypePut, Value: []byte("v")},
	))
	require.NoError(t, err)

	cases := []struct {
		name string
		msg  message.RPCMessage
	}{
		{"request", message.RPCMessage{ServiceMethod: "Table.Put", Payload: []byte(`{"table":"t1"}`), CellBlock: block}},
		{"response", message.RPCMessage{ServiceMethod: "Table.Put", Payload: []byte(`{}`)}},
		{"failure", message.RPCMessage{ServiceMethod: "Table.Put", Error: "region offline"}},
	}

	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		for _, tc := range cases {
			t.Run(cdc.Type().String()+"/"+tc.name, func(t *testing.T) {
				data, err := cdc.Encode(&tc.msg)
				require.NoError(t, err)

				var got message.RPCMessage
				require.NoError(t, cdc.Decode(data, &got))

				assert.Equal(t, tc.msg.ServiceMethod, got.ServiceMethod)
				assert.Equal(t, tc.msg.Error, got.Error)
				assert.Equal(t, string(tc.msg.Payload), string(got.Payload))
				assert.Equal(t, string(tc.msg.CellBlock), string(got.CellBlock))
			})
		}
	}
}

func TestBinaryCodecRejectsTruncatedInput(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(&message.RPCMessage{ServiceMethod: "Table.Get", Payload: []byte("abc"), CellBlock: []byte{1, 2}})
	require.NoError(t, err)

	for n := 0; n < len(data); n++ {
		var msg message.RPCMessage
		assert.Error(t, cdc.Decode(data[:n], &msg), "prefix of %d bytes", n)
	}
}

func TestBinaryCodecRequiresRPCMessage(t *testing.T) {
	cdc := &BinaryCodec{}
	_, err := cdc.Encode("not a message")
	assert.Error(t, err)
	assert.Error(t, cdc.Decode([]byte{0, 0}, new(string)))
}

func TestGetCodec(t *testing.T) {
	assert.Equal(t, CodecTypeJSON, GetCodec(CodecTypeJSON).Type())
	assert.Equal(t, CodecTypeBinary, GetCodec(CodecTypeBinary).Type())

	ct, err := ParseCodecType("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)
	_, err = ParseCodecType("xml")
	assert.Error(t, err)
}
