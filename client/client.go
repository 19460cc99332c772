// Package client issues RPCs and drives each call's controller.
//
// A call ferries cells in both directions through its controller:
//
//	ctrl.CellScanner() ──EncodeBlock──→ request.CellBlock     (payload cleared)
//	response.CellBlock ──NewBlockScanner──→ ctrl.SetCellScanner
//
// Remote failures end up in ctrl.SetFailed, cancellation in ctrl.StartCancel.
// Canceling the controller from another goroutine abandons the call and
// sends a cancel frame to the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cell-rpc/cell"
	"cell-rpc/codec"
	"cell-rpc/controller"
	"cell-rpc/message"
	"cell-rpc/registry"
	"cell-rpc/transport"
)

var (
	ErrShutdown    = errors.New("rpc: client is shut down")
	ErrNoInstances = errors.New("rpc: no instances available")
)

type Option func(*Client)

func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codecType = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialer.Timeout = d }
}

// Client resolves a service to an address, keeps one multiplexed transport
// per address, and redials a transport whose connection broke. Calls are
// never retried and the first discovered instance is always used.
type Client struct {
	registry  registry.Registry // nil for a client bound to one address
	addr      string
	codecType codec.CodecType
	heartbeat time.Duration
	dialer    net.Dialer
	logger    *zap.Logger

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport
	closed     bool
}

func newClient(opts []Option) *Client {
	c := &Client{
		codecType:  codec.CodecTypeBinary,
		heartbeat:  transport.DefaultHeartbeatInterval,
		logger:     zap.NewNop(),
		transports: make(map[string]*transport.ClientTransport),
	}
	c.dialer.Timeout = 5 * time.Second
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient returns a client that finds servers through reg.
func NewClient(reg registry.Registry, opts ...Option) *Client {
	c := newClient(opts)
	c.registry = reg
	return c
}

// Dial returns a client bound to addr and connects eagerly.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := newClient(opts)
	c.addr = addr
	if _, err := c.getTransport(ctx, addr, c.codecType); err != nil {
		return nil, err
	}
	return c, nil
}

// Call invokes serviceMethod with a fresh controller and no cells.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	return c.CallWithController(ctx, controller.New(), serviceMethod, args, reply)
}

// CallWithController invokes serviceMethod, sending ctrl's cells with the
// request and leaving the response cells, if any, on ctrl.
//
// The returned error is nil on success, wraps controller.ErrCanceled when
// ctrl was canceled, is a *controller.CallError when the server reported a
// failure, and wraps ctx's error when ctx ended first. A call timeout set on
// ctrl bounds the wait like a context deadline.
func (c *Client) CallWithController(ctx context.Context, ctrl *controller.Controller, serviceMethod string, args any, reply any) error {
	if ctrl.IsCanceled() {
		return fmt.Errorf("rpc: %s: %w", serviceMethod, controller.ErrCanceled)
	}
	if d, ok := ctrl.CallTimeout(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	serviceName, _, ok := strings.Cut(serviceMethod, ".")
	if !ok {
		return fmt.Errorf("rpc: invalid serviceMethod format: %q", serviceMethod)
	}

	req := &message.RPCMessage{ServiceMethod: serviceMethod}
	if args != nil {
		payload, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("rpc: encode args: %w", err)
		}
		req.Payload = payload
	}

	// The payload is one-shot: once encoded it is gone from the controller.
	block, n, err := cell.EncodeBlock(ctrl.CellScanner())
	ctrl.SetCellScanner(nil)
	if err != nil {
		ctrl.SetFailed(err.Error())
		return fmt.Errorf("rpc: encode cell block: %w", err)
	}
	if n > 0 {
		req.CellBlock = block
	}

	t, err := c.resolve(ctx, serviceName)
	if err != nil {
		ctrl.SetFailed(err.Error())
		return err
	}

	seq, ch, err := t.Send(req)
	if err != nil {
		ctrl.SetFailed(err.Error())
		return err
	}

	canceled := make(chan struct{})
	stop := ctrl.NotifyOnCancel(func() { close(canceled) })
	defer stop()

	select {
	case resp := <-ch:
		return c.complete(ctrl, resp, reply)

	case <-canceled:
		c.abandon(t, seq, serviceMethod)
		return fmt.Errorf("rpc: %s: %w", serviceMethod, controller.ErrCanceled)

	case <-ctx.Done():
		c.abandon(t, seq, serviceMethod)
		err := context.Cause(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			ctrl.SetFailed("call timed out: " + err.Error())
		} else {
			ctrl.StartCancel()
		}
		return fmt.Errorf("rpc: %s: %w", serviceMethod, err)
	}
}

func (c *Client) complete(ctrl *controller.Controller, resp *message.RPCMessage, reply any) error {
	if resp.Error != "" {
		ctrl.SetFailed(resp.Error)
		return &controller.CallError{Text: resp.Error}
	}
	if len(resp.CellBlock) > 0 {
		ctrl.SetCellScanner(cell.NewBlockScanner(resp.CellBlock))
	}
	if reply != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			ctrl.SetFailed("decode reply: " + err.Error())
			return fmt.Errorf("rpc: decode reply: %w", err)
		}
	}
	return nil
}

func (c *Client) abandon(t *transport.ClientTransport, seq uint32, serviceMethod string) {
	if err := t.Cancel(seq); err != nil {
		c.logger.Debug("cancel not delivered", zap.String("method", serviceMethod), zap.Uint32("seq", seq), zap.Error(err))
	}
}

// resolve picks the transport serving serviceName.
func (c *Client) resolve(ctx context.Context, serviceName string) (*transport.ClientTransport, error) {
	if c.registry == nil {
		return c.getTransport(ctx, c.addr, c.codecType)
	}

	instances, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInstances, serviceName)
	}
	inst := instances[0]
	codecType := c.codecType
	if inst.Codec != "" {
		if codecType, err = codec.ParseCodecType(inst.Codec); err != nil {
			return nil, err
		}
	}
	return c.getTransport(ctx, inst.Addr, codecType)
}

// getTransport returns the live transport for addr, dialing a new one when
// there is none or the previous connection broke.
func (c *Client) getTransport(ctx context.Context, addr string, codecType codec.CodecType) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShutdown
	}
	if t, ok := c.transports[addr]; ok && !t.Closed() {
		return t, nil
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	t := transport.NewClientTransport(conn, codecType,
		transport.WithHeartbeat(c.heartbeat),
		transport.WithLogger(c.logger))
	c.transports[addr] = t
	c.logger.Debug("connected", zap.String("addr", addr), zap.Stringer("codec", codecType))
	return t, nil
}

// Close closes every transport. Outstanding calls fail with a connection error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShutdown
	}
	c.closed = true
	var err error
	for addr, t := range c.transports {
		err = multierr.Append(err, t.Close())
		delete(c.transports, addr)
	}
	return err
}
