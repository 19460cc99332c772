package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cell-rpc/cell"
)

func put(row, value string) cell.Cell {
	return cell.Cell{Row: []byte(row), Family: []byte("f"), Qualifier: []byte("q"), Timestamp: 1, Type: cell.TypePut, Value: []byte(value)}
}

func rows(t *testing.T, s cell.Scanner) []string {
	t.Helper()
	cells, err := cell.Collect(s)
	require.NoError(t, err)
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, string(c.Row))
	}
	return out
}

func TestNewIsEmpty(t *testing.T) {
	c := New()
	assert.Nil(t, c.CellScanner())
	assert.False(t, c.Failed())
	assert.False(t, c.IsCanceled())
	assert.Empty(t, c.ErrorText())
	assert.NoError(t, c.Err())

	var zero Controller
	assert.Nil(t, zero.CellScanner())
	assert.False(t, zero.IsCanceled())
}

func TestPayloadIsOneShot(t *testing.T) {
	c := NewWithScanner(cell.NewSliceScanner(put("r1", "a"), put("r2", "b"), put("r3", "c")))

	assert.Equal(t, []string{"r1", "r2", "r3"}, rows(t, c.CellScanner()))
	assert.Empty(t, rows(t, c.CellScanner()))
	assert.Empty(t, rows(t, c.CellScanner()))
}

func TestNewWithScannablesConcatenates(t *testing.T) {
	c := NewWithScannables([]cell.Scannable{
		cell.Slice{put("a1", ""), put("a2", "")},
		cell.Slice{},
		cell.Slice{put("b1", "")},
		cell.Slice{put("c1", ""), put("c2", ""), put("c3", "")},
	})

	assert.Equal(t, []string{"a1", "a2", "b1", "c1", "c2", "c3"}, rows(t, c.CellScanner()))
	assert.Empty(t, rows(t, c.CellScanner()))
}

func TestSetCellScannerReplacesAndClears(t *testing.T) {
	c := NewWithScanner(cell.NewSliceScanner(put("out", "")))
	c.SetCellScanner(cell.NewSliceScanner(put("in", "")))
	assert.Equal(t, []string{"in"}, rows(t, c.CellScanner()))

	c.SetCellScanner(nil)
	assert.Nil(t, c.CellScanner())
}

func TestSetFailed(t *testing.T) {
	c := New()
	c.SetFailed("boom")
	assert.True(t, c.Failed())
	assert.Equal(t, "boom", c.ErrorText())

	c.SetFailed("bang")
	assert.Equal(t, "bang", c.ErrorText())

	var callErr *CallError
	require.ErrorAs(t, c.Err(), &callErr)
	assert.Equal(t, "bang", callErr.Text)
}

func TestFailedAndCanceledAreIndependent(t *testing.T) {
	c := New()
	c.StartCancel()
	assert.True(t, c.IsCanceled())
	assert.False(t, c.Failed())

	c.SetFailed("late")
	assert.True(t, c.IsCanceled())
	assert.True(t, c.Failed())
	assert.ErrorIs(t, c.Err(), ErrCanceled)
}

func TestStartCancelRunsListenersInOrder(t *testing.T) {
	c := New()
	var got []string
	c.NotifyOnCancel(func() { got = append(got, "L1") })
	c.NotifyOnCancel(func() { got = append(got, "L2") })

	c.StartCancel()
	assert.Equal(t, []string{"L1", "L2"}, got)
	assert.True(t, c.IsCanceled())

	c.StartCancel()
	assert.Equal(t, []string{"L1", "L2"}, got)
}

func TestNotifyOnCancelAfterCancelRunsImmediately(t *testing.T) {
	c := New()
	c.StartCancel()

	ran := false
	stop := c.NotifyOnCancel(func() { ran = true })
	assert.True(t, ran)
	assert.False(t, stop())
}

func TestNotifyOnCancelStop(t *testing.T) {
	c := New()
	var n int
	stop := c.NotifyOnCancel(func() { n++ })
	c.NotifyOnCancel(func() { n += 10 })

	assert.True(t, stop())
	assert.False(t, stop())

	c.StartCancel()
	assert.Equal(t, 10, n)
}

func TestListenerMayCallBack(t *testing.T) {
	c := New()
	done := make(chan struct{})
	c.NotifyOnCancel(func() {
		assert.True(t, c.IsCanceled())
		c.SetFailed("canceled by listener")
		c.NotifyOnCancel(func() { close(done) })
	})
	c.StartCancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested listener did not run")
	}
	assert.Equal(t, "canceled by listener", c.ErrorText())
}

func TestPanickingListenerDoesNotSkipOthers(t *testing.T) {
	c := New()
	var got []string
	c.NotifyOnCancel(func() { got = append(got, "L1") })
	c.NotifyOnCancel(func() { panic("boom") })
	c.NotifyOnCancel(func() { got = append(got, "L3") })

	assert.PanicsWithValue(t, "boom", c.StartCancel)
	assert.Equal(t, []string{"L1", "L3"}, got)
	assert.True(t, c.IsCanceled())

	c.StartCancel()
	assert.Equal(t, []string{"L1", "L3"}, got)
}

func TestNotifyOnCancelRejectsNil(t *testing.T) {
	c := New()
	assert.Panics(t, func() { c.NotifyOnCancel(nil) })
	assert.NotPanics(t, c.StartCancel)
}

func TestReset(t *testing.T) {
	c := NewWithScanner(cell.NewSliceScanner(put("r", "")))
	var n int
	c.NotifyOnCancel(func() { n++ })
	c.SetFailed("boom")
	c.SetCallTimeout(time.Second)

	c.Reset()
	assert.Nil(t, c.CellScanner())
	assert.False(t, c.Failed())
	assert.Empty(t, c.ErrorText())
	assert.False(t, c.IsCanceled())
	_, ok := c.CallTimeout()
	assert.False(t, ok)

	c.StartCancel()
	assert.Zero(t, n, "listeners registered before Reset must not run")
	assert.True(t, c.IsCanceled())

	c.Reset()
	assert.False(t, c.IsCanceled())
	c.NotifyOnCancel(func() { n++ })
	assert.Zero(t, n)
}

func TestCallTimeout(t *testing.T) {
	c := New()
	_, ok := c.CallTimeout()
	assert.False(t, ok)

	c.SetCallTimeout(250 * time.Millisecond)
	d, ok := c.CallTimeout()
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	c.SetCallTimeout(-1)
	_, ok = c.CallTimeout()
	assert.False(t, ok)
}

func TestConcurrentCancelAndNotify(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := New()
		var calls atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				c.NotifyOnCancel(func() { calls.Add(1) })
			}()
			go func() {
				defer wg.Done()
				c.StartCancel()
			}()
		}
		wg.Wait()
		require.Equal(t, int32(8), calls.Load(), "every listener runs exactly once")
	}
}

func TestContext(t *testing.T) {
	c := New()
	ctx := NewContext(context.Background(), c)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestBind(t *testing.T) {
	c := New()
	ctx, cancel := Bind(context.Background(), c)
	defer cancel()

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.NoError(t, ctx.Err())

	c.StartCancel()
	<-ctx.Done()
	assert.True(t, errors.Is(context.Cause(ctx), ErrCanceled))
}

func TestBindReleaseDeregisters(t *testing.T) {
	c := New()
	ctx, cancel := Bind(context.Background(), c)
	cancel()
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)

	c.StartCancel()
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
}
