package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cell-rpc/controller"
	"cell-rpc/message"
)

// 直接返回成功响应
func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: []byte("ok")}
}

// 阻塞直到 ctx 结束或 200ms 过去
func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: []byte("ok")}
}

func withController(t *testing.T) (context.Context, *controller.Controller) {
	t.Helper()
	ctrl := controller.New()
	ctx, release := controller.Bind(context.Background(), ctrl)
	t.Cleanup(release)
	return ctx, ctrl
}

var req = &message.RPCMessage{ServiceMethod: "Table.Get"}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := Logging(zap.New(core))(echoHandler)

	resp := handler(context.Background(), req)
	require.NotNil(t, resp)
	assert.Equal(t, "ok", string(resp.Payload))

	entries := logs.FilterMessage("call").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Table.Get", entries[0].ContextMap()["method"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := Logging(zap.New(core))(func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		return message.Failed(req.ServiceMethod, "boom")
	})

	handler(context.Background(), req)
	entries := logs.FilterMessage("call failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
}

func TestTimeoutPass(t *testing.T) {
	ctx, ctrl := withController(t)
	resp := Timeout(500*time.Millisecond)(echoHandler)(ctx, req)

	assert.Empty(t, resp.Error)
	assert.False(t, ctrl.Failed())
	assert.False(t, ctrl.IsCanceled())
}

func TestTimeoutExceededCancelsController(t *testing.T) {
	ctx, ctrl := withController(t)
	resp := Timeout(50*time.Millisecond)(slowHandler)(ctx, req)

	assert.Equal(t, timeoutText, resp.Error)
	assert.True(t, ctrl.Failed())
	assert.Equal(t, timeoutText, ctrl.ErrorText())
	assert.True(t, ctrl.IsCanceled())
}

func TestTimeoutWithoutController(t *testing.T) {
	resp := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), req)
	assert.Equal(t, timeoutText, resp.Error)
}

func TestTimeoutExternalCancel(t *testing.T) {
	ctx, ctrl := withController(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ctrl.StartCancel()
	}()

	resp := Timeout(time.Second)(slowHandler)(ctx, req)
	assert.Equal(t, controller.ErrCanceled.Error(), resp.Error)
	assert.False(t, ctrl.Failed(), "client cancellation is not a failure")
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		ctx, _ := withController(t)
		resp := handler(ctx, req)
		require.Empty(t, resp.Error, "request %d should pass", i)
	}

	ctx, ctrl := withController(t)
	resp := handler(ctx, req)
	assert.Equal(t, rateLimitText, resp.Error)
	assert.True(t, ctrl.Failed())
}

func TestRateLimitWaitCanceled(t *testing.T) {
	handler := RateLimitWait(0.001, 1)(echoHandler)

	ctx, _ := withController(t)
	require.Empty(t, handler(ctx, req).Error)

	ctx, ctrl := withController(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ctrl.StartCancel()
	}()
	resp := handler(ctx, req)
	assert.Contains(t, resp.Error, rateLimitText)
	assert.True(t, ctrl.Failed())
}

func TestRecovery(t *testing.T) {
	ctx, ctrl := withController(t)
	handler := Recovery(zap.NewNop())(func(context.Context, *message.RPCMessage) *message.RPCMessage {
		panic("kaboom")
	})

	resp := handler(ctx, req)
	assert.Equal(t, "rpc: handler panic: kaboom", resp.Error)
	assert.Equal(t, resp.Error, ctrl.ErrorText())
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), Timeout(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), req)

	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
