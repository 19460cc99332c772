// Package controller implements the per-call RPC controller shared by the
// calling and the serving side of one invocation.
//
// A Controller tracks whether the call failed or was canceled, fans
// cancellation out to registered listeners, and optionally carries a one-shot
// cell.Scanner next to the serialized request or response. Cells are set on
// construction, cleared once the call has been sent, and optionally set again
// on response with the result:
//
//	ctrl := controller.NewWithScanner(cell.NewSliceScanner(cells...))
//	err := cli.CallWithController(ctx, ctrl, "Table.Put", args, reply)
//	result := ctrl.CellScanner() // inbound cells, or nil
//
// All methods are safe for concurrent use. Listeners run on the goroutine
// that triggered cancellation, outside the controller's lock, so a listener
// may call back into the controller.
package controller

import (
	"errors"
	"sync"
	"time"

	"cell-rpc/cell"
)

// ErrCanceled is returned by Err once the call has been canceled.
var ErrCanceled = errors.New("rpc: call canceled")

// CallError carries the error text of a failed call.
type CallError struct {
	Text string
}

func (e *CallError) Error() string { return "rpc: call failed: " + e.Text }

// RPCController is the cancellable, failable call contract, independent of
// any payload the call carries.
type RPCController interface {
	Failed() bool
	ErrorText() string
	SetFailed(text string)
	IsCanceled() bool
	StartCancel()
	NotifyOnCancel(fn func()) (stop func() bool)
	Reset()
}

var _ RPCController = (*Controller)(nil)
var _ cell.Scannable = (*Controller)(nil)

type listener struct {
	id uint64
	fn func()
}

// Controller is the per-call controller. The zero value is ready to use and
// equivalent to New().
type Controller struct {
	mu          sync.Mutex
	scanner     cell.Scanner
	failed      bool
	errorText   string
	canceled    bool
	listeners   []listener
	nextID      uint64
	callTimeout time.Duration
}

// New returns a controller with no payload.
func New() *Controller {
	return &Controller{}
}

// NewWithScanner returns a controller carrying s as its payload.
func NewWithScanner(s cell.Scanner) *Controller {
	return &Controller{scanner: s}
}

// NewWithScannables returns a controller whose payload is the concatenation of
// every source's cells, in list order.
func NewWithScannables(sources []cell.Scannable) *Controller {
	return &Controller{scanner: cell.Concat(sources)}
}

// CellScanner returns the current one-shot payload, or nil. The scanner cannot
// be restarted: once drained, it yields nothing.
func (c *Controller) CellScanner() cell.Scanner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanner
}

// SetCellScanner replaces the payload. Passing nil clears it.
func (c *Controller) SetCellScanner(s cell.Scanner) {
	c.mu.Lock()
	c.scanner = s
	c.mu.Unlock()
}

// Failed reports whether SetFailed has been called since the last Reset.
func (c *Controller) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// ErrorText returns the text passed to the latest SetFailed. It is empty
// unless Failed reports true.
func (c *Controller) ErrorText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorText
}

// SetFailed marks the call failed. A later call overwrites the text of an
// earlier one.
func (c *Controller) SetFailed(text string) {
	c.mu.Lock()
	c.failed = true
	c.errorText = text
	c.mu.Unlock()
}

// IsCanceled reports whether StartCancel has been called since the last Reset.
func (c *Controller) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// StartCancel marks the call canceled and runs every registered listener once,
// in registration order, before returning. Calls after the first are no-ops.
// A panicking listener does not stop the ones after it; the panic is
// propagated once they have run.
//
// Cancellation is cooperative: nothing in flight is interrupted, listeners
// are expected to abort their own work.
func (c *Controller) StartCancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	fired := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	fire(fired)
}

// fire runs every listener in order. If one panics, the rest still run before
// the panic continues.
func fire(ls []listener) {
	defer func() {
		if len(ls) > 0 {
			fire(ls)
		}
	}()
	for len(ls) > 0 {
		fn := ls[0].fn
		ls = ls[1:]
		fn()
	}
}

// NotifyOnCancel registers fn to run when the call is canceled. If the call is
// already canceled, fn runs immediately, before NotifyOnCancel returns. It
// panics if fn is nil.
//
// The returned stop deregisters fn. It reports true if that prevented fn from
// running, and false if fn already ran or was deregistered.
func (c *Controller) NotifyOnCancel(fn func()) (stop func() bool) {
	if fn == nil {
		panic("controller: nil cancel listener")
	}
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		fn()
		return func() bool { return false }
	}
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Reset returns the controller to its initial state so it can be reused for
// another call. Pending listeners are dropped without being run.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.scanner = nil
	c.failed = false
	c.errorText = ""
	c.canceled = false
	c.listeners = nil
	c.callTimeout = 0
	c.mu.Unlock()
}

// SetCallTimeout bounds how long the client waits for this call. A
// non-positive d clears the timeout.
func (c *Controller) SetCallTimeout(d time.Duration) {
	c.mu.Lock()
	if d < 0 {
		d = 0
	}
	c.callTimeout = d
	c.mu.Unlock()
}

// CallTimeout returns the timeout set by SetCallTimeout, if any.
func (c *Controller) CallTimeout() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callTimeout, c.callTimeout > 0
}

// Err summarizes the call state: ErrCanceled if canceled, a *CallError if
// failed, nil otherwise. Cancellation takes precedence.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.canceled:
		return ErrCanceled
	case c.failed:
		return &CallError{Text: c.errorText}
	}
	return nil
}
