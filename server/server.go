// Package server implements the RPC server: service registration, the
// middleware chain, per-call controllers, cancellation, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → request: new Controller seeded with the request's cells,
//	             go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call)
//	    → controller cells become the response cell block → write response
//	  → cancel:  StartCancel on the in-flight Controller with that seq
//
// Handlers reach their controller through controller.FromContext. The handler
// context is canceled as soon as the controller is.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cell-rpc/cell"
	"cell-rpc/codec"
	"cell-rpc/controller"
	"cell-rpc/message"
	"cell-rpc/middleware"
	"cell-rpc/protocol"
	"cell-rpc/registry"
)

// ErrServerClosed is returned by Serve after Shutdown, and is the error text
// of requests that arrive while shutting down.
var ErrServerClosed = errors.New("rpc: server closed")

// cancelGrace bounds how long Shutdown waits for canceled calls to answer.
const cancelGrace = time.Second

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry makes Serve register every service under advertiseAddr, and
// Shutdown deregister them. advertiseAddr differs from the listen address
// because ":8080" is not routable from other hosts.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	mu         sync.RWMutex
	serviceMap map[string]*service
	listener   net.Listener
	conns      map[*conn]struct{}

	wg          sync.WaitGroup
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	logger      *zap.Logger

	registry      registry.Registry
	advertiseAddr string
	ttl           int64
}

// conn is the per-connection state shared by every request on it.
type conn struct {
	net.Conn
	writeMu sync.Mutex // one response frame at a time

	mu       sync.Mutex
	inflight map[uint32]*call
}

// call is one in-flight request. abandoned is set when the client canceled it
// or went away; its response is then dropped.
type call struct {
	ctrl      *controller.Controller
	abandoned atomic.Bool
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		conns:      make(map[*conn]struct{}),
		logger:     zap.NewNop(),
		ttl:        10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register publishes the suitable methods of rcvr, a pointer to a struct,
// under the struct's type name.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. Middlewares run in the order they were added and
// must be registered before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// ListenAndServe listens on network/address and calls Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.Serve(l)
}

// Serve registers services with the registry, if any, and accepts
// connections on l until Shutdown.
func (svr *Server) Serve(l net.Listener) error {
	// Chain(A, B, C)(h) runs A.before → B.before → C.before → h → C.after → B.after → A.after
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	svr.listener = l
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.Unlock()

	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, name := range names {
			err := svr.registry.Register(ctx, name, registry.ServiceInstance{Addr: svr.advertiseAddr}, svr.ttl)
			if err != nil {
				cancel()
				l.Close()
				return fmt.Errorf("rpc: register %s: %w", name, err)
			}
		}
		cancel()
	}

	svr.logger.Info("serving", zap.Stringer("addr", l.Addr()), zap.Strings("services", names))
	for {
		nc, err := l.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		c := &conn{Conn: nc, inflight: make(map[uint32]*call)}
		svr.mu.Lock()
		svr.conns[c] = struct{}{}
		svr.mu.Unlock()
		go svr.handleConn(c)
	}
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn reads frames sequentially and dispatches each request to its own
// goroutine.
func (svr *Server) handleConn(c *conn) {
	defer func() {
		c.Close()
		svr.mu.Lock()
		delete(svr.conns, c)
		svr.mu.Unlock()
		// The peer is gone: nobody is waiting for the remaining calls.
		c.cancelAll(true)
	}()

	for {
		header, body, err := protocol.Decode(c)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				svr.logger.Debug("connection closed", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeCancel:
			if cl := c.lookup(header.Seq); cl != nil {
				svr.logger.Debug("cancel", zap.Uint32("seq", header.Seq))
				cl.abandon()
			}
		case protocol.MsgTypeRequest:
			// The shutdown check and wg.Add share mu with Shutdown, so no
			// call is added once Shutdown waits on wg.
			svr.mu.RLock()
			closing := svr.shutdown.Load()
			if !closing {
				svr.wg.Add(1)
			}
			svr.mu.RUnlock()
			if closing {
				svr.respond(c, header, "", message.Failed("", ErrServerClosed.Error()))
				continue
			}

			// Track before dispatch so a cancel frame right behind the
			// request finds its controller.
			cl := &call{ctrl: controller.New()}
			c.track(header.Seq, cl)
			go svr.handleRequest(c, header, body, cl)
		}
	}
}

// handleRequest processes one call: decode → seed controller → middleware →
// business logic → encode → write.
func (svr *Server) handleRequest(c *conn, header *protocol.Header, body []byte, cl *call) {
	defer svr.wg.Done()
	defer c.untrack(header.Seq)
	ctrl := cl.ctrl

	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	req := new(message.RPCMessage)
	var resp *message.RPCMessage

	if err := cdc.Decode(body, req); err != nil {
		resp = message.Failed("", "rpc: decode request: "+err.Error())
	} else {
		var reqCells cell.Scanner
		if len(req.CellBlock) > 0 {
			reqCells = cell.NewBlockScanner(req.CellBlock)
			ctrl.SetCellScanner(reqCells)
		}

		ctx, release := controller.Bind(context.Background(), ctrl)
		resp = svr.handler(ctx, req)
		release()
		if resp == nil {
			resp = message.Failed(req.ServiceMethod, "rpc: handler returned no response")
		}

		if cl.abandoned.Load() {
			svr.logger.Debug("dropping response of canceled call", zap.String("method", req.ServiceMethod), zap.Uint32("seq", header.Seq))
			return
		}
		svr.finish(ctrl, reqCells, resp)
	}
	svr.respond(c, header, req.ServiceMethod, resp)
}

// respond encodes resp with the request's codec and writes it under the
// request's seq.
func (svr *Server) respond(c *conn, header *protocol.Header, serviceMethod string, resp *message.RPCMessage) {
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	data, err := cdc.Encode(resp)
	if err != nil {
		svr.logger.Error("encode response", zap.String("method", serviceMethod), zap.Error(err))
		if data, err = cdc.Encode(message.Failed(serviceMethod, "rpc: encode response: "+err.Error())); err != nil {
			return
		}
	}

	// Same seq as the request: this is how the client matches responses.
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	c.writeMu.Lock()
	err = protocol.Encode(c, &replyHeader, data)
	c.writeMu.Unlock()
	if err != nil {
		svr.logger.Debug("write response", zap.String("method", serviceMethod), zap.Error(err))
	}
}

// finish folds the controller's state into resp: a failed controller becomes
// the response error, its cells the response cell block. A payload still
// holding the request's scanner is not echoed back.
func (svr *Server) finish(ctrl *controller.Controller, reqCells cell.Scanner, resp *message.RPCMessage) {
	if resp.Error == "" && ctrl.Failed() {
		resp.Error = ctrl.ErrorText()
	}
	if resp.Error != "" {
		resp.Payload = nil
		return
	}
	out := ctrl.CellScanner()
	if out == nil || out == reqCells {
		return
	}
	block, n, err := cell.EncodeBlock(out)
	if err != nil {
		resp.Error = "rpc: encode cell block: " + err.Error()
		resp.Payload = nil
		return
	}
	if n > 0 {
		resp.CellBlock = block
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Close the listener
//  3. Wait for in-flight calls, canceling them once timeout elapses; new
//     requests on open connections are refused
//  4. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	var errs error

	// Under mu so a Serve that has not stored its listener yet sees the flag.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	l := svr.listener
	svr.mu.Unlock()

	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, name := range names {
			errs = multierr.Append(errs, svr.registry.Deregister(ctx, name, svr.advertiseAddr))
		}
		cancel()
	}

	if l != nil {
		errs = multierr.Append(errs, l.Close())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		svr.mu.RLock()
		for c := range svr.conns {
			c.cancelAll(false)
		}
		svr.mu.RUnlock()
		errs = multierr.Append(errs, errors.New("rpc: timeout waiting for in-flight calls, canceled them"))

		// Canceled calls still answer with their failure; give them a
		// bounded chance to write it before the connections go.
		select {
		case <-done:
		case <-time.After(cancelGrace):
			svr.logger.Warn("in-flight calls ignored cancellation")
		}
	}

	svr.mu.RLock()
	for c := range svr.conns {
		c.Close()
	}
	svr.mu.RUnlock()
	return errs
}

// businessHandler dispatches a request to its registered method. It sits at
// the end of the middleware chain.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args)
// → json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply)
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	ctrl, _ := controller.FromContext(ctx)
	fail := func(text string) *message.RPCMessage {
		if ctrl != nil {
			ctrl.SetFailed(text)
		}
		return message.Failed(req.ServiceMethod, text)
	}

	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || strings.Contains(methodName, ".") {
		return fail("rpc: invalid service method format: " + req.ServiceMethod)
	}

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return fail("rpc: can't find service " + serviceName)
	}
	method := svc.method[methodName]
	if method == nil {
		return fail("rpc: can't find method " + req.ServiceMethod)
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return fail("rpc: decode args: " + err.Error())
		}
	}

	if err := svc.call(ctx, method, argv, replyv); err != nil {
		return fail(err.Error())
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return fail("rpc: encode reply: " + err.Error())
	}
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       payload,
	}
}

func (c *conn) track(seq uint32, cl *call) {
	c.mu.Lock()
	c.inflight[seq] = cl
	c.mu.Unlock()
}

func (c *conn) untrack(seq uint32) {
	c.mu.Lock()
	delete(c.inflight, seq)
	c.mu.Unlock()
}

func (c *conn) lookup(seq uint32) *call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[seq]
}

// cancelAll cancels every in-flight call. Abandoned calls get no response;
// the others still answer with whatever failure their handler reports.
func (c *conn) cancelAll(abandon bool) {
	c.mu.Lock()
	calls := make([]*call, 0, len(c.inflight))
	for _, cl := range c.inflight {
		calls = append(calls, cl)
	}
	c.mu.Unlock()
	for _, cl := range calls {
		if abandon {
			cl.abandon()
		} else {
			cl.ctrl.StartCancel()
		}
	}
}

func (cl *call) abandon() {
	cl.abandoned.Store(true)
	cl.ctrl.StartCancel()
}
