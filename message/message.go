// Package message defines the RPC envelope exchanged between client and server.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP. Cells never go through the codec's payload
// encoding: they travel pre-encoded in CellBlock, next to the payload.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args,
//     CellBlock the controller's outgoing cells.
//   - On response: Payload contains the serialized reply, CellBlock the cells
//     the handler left on its controller, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Table.Scan"
	Error         string // Non-empty if the server-side call failed
	Payload       []byte // Serialized args (request) or reply (response) as JSON bytes
	CellBlock     []byte `json:",omitempty"` // Encoded cells, see cell.EncodeBlock
}

// Failed builds a response carrying only error text.
func Failed(serviceMethod, text string) *RPCMessage {
	return &RPCMessage{ServiceMethod: serviceMethod, Error: text}
}
