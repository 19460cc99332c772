// Package transport implements the client side of a multiplexed connection.
//
// Many concurrent calls share one TCP connection. Each request gets a unique
// sequence ID, and a background goroutine (recvLoop) reads responses and
// routes them to the waiting caller through its pending channel.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Cancel(3)────┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// A canceled call is dropped from the pending table before the cancel frame is
// written, so a response racing the cancel is discarded.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cell-rpc/codec"
	"cell-rpc/message"
	"cell-rpc/protocol"
)

// ErrClosed is returned by Send and Cancel once the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

const DefaultHeartbeatInterval = 30 * time.Second

type Option func(*ClientTransport)

// WithHeartbeat sets the heartbeat interval. A non-positive value disables
// heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) { t.logger = l }
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn      net.Conn
	codec     codec.Codec
	heartbeat time.Duration
	logger    *zap.Logger

	seq     uint32     // protected by sending
	sending sync.Mutex // serializes whole frames onto conn
	pending sync.Map   // map[uint32]chan *message.RPCMessage

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:      conn,
		codec:     codec.GetCodec(codecType),
		heartbeat: DefaultHeartbeatInterval,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Send writes req and returns its sequence number and a channel that receives
// exactly one response. If the connection breaks first, the response carries
// the connection error as its Error text.
func (t *ClientTransport) Send(req *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	if t.closed.Load() {
		return 0, nil, ErrClosed
	}

	body, err := t.codec.Encode(req)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register before writing so recvLoop cannot see the response first.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, fmt.Errorf("transport: send %s: %w", req.ServiceMethod, err)
	}

	// recvLoop may have drained pending between the closed check and Store.
	if t.closed.Load() {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, ErrClosed
		}
	}
	return seq, respChan, nil
}

// Cancel abandons call seq and asks the server to cancel it. The call's
// response channel will not receive anything afterwards.
func (t *ClientTransport) Cancel(seq uint32) error {
	if _, ok := t.pending.LoadAndDelete(seq); !ok {
		return nil
	}
	if t.closed.Load() {
		return ErrClosed
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if err := protocol.EncodeCancel(t.conn, seq); err != nil {
		return fmt.Errorf("transport: cancel %d: %w", seq, err)
	}
	t.logger.Debug("sent cancel", zap.Uint32("seq", seq))
	return nil
}

// Close closes the connection. Pending calls receive a connection error.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// Closed reports whether the connection is gone.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := new(message.RPCMessage)
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = message.Failed("", "transport: decode response: "+err.Error())
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		} else {
			t.logger.Debug("dropped response for unknown call", zap.Uint32("seq", header.Seq))
		}
	}
}

func (t *ClientTransport) closeAllPending(err error) {
	t.closed.Store(true)
	t.Close()

	n := 0
	t.pending.Range(func(key, _ any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- message.Failed("", err.Error())
			n++
		}
		return true
	})
	t.logger.Debug("connection closed", zap.Error(err), zap.Int("failed_calls", n))
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.logger.Debug("heartbeat failed", zap.Error(err))
			return
		}
	}
}
