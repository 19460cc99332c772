package controller

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c *Controller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the controller carried by ctx, if any.
func FromContext(ctx context.Context) (*Controller, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Controller)
	return c, ok
}

// Bind returns a context that carries c and is canceled, with cause
// ErrCanceled, as soon as c is canceled. Calling the returned CancelFunc
// deregisters the listener and releases the context.
func Bind(parent context.Context, c *Controller) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(NewContext(parent, c))
	stop := c.NotifyOnCancel(func() { cancel(ErrCanceled) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
