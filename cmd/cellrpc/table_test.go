package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cell-rpc/cell"
	"cell-rpc/controller"
)

func call(t *testing.T, ctrl *controller.Controller) context.Context {
	t.Helper()
	ctx, release := controller.Bind(context.Background(), ctrl)
	t.Cleanup(release)
	return ctx
}

func TestTablePutScan(t *testing.T) {
	tb := NewTable()

	put := controller.NewWithScanner(cell.NewSliceScanner(
		mustParse(t, "user2/info:name=bo"),
		mustParse(t, "user1/info:name=ada"),
		mustParse(t, "item1/info:sku=42"),
	))
	putReply := &PutReply{}
	require.NoError(t, tb.Put(call(t, put), nil, putReply))
	assert.Equal(t, 3, putReply.Cells)

	scan := controller.New()
	scanReply := &ScanReply{}
	require.NoError(t, tb.Scan(call(t, scan), &ScanArgs{Prefix: "user"}, scanReply))
	assert.Equal(t, 2, scanReply.Rows)

	cells, err := cell.Collect(scan.CellScanner())
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, "user1", string(cells[0].Row))
	assert.Equal(t, "user2", string(cells[1].Row))
	assert.NotZero(t, cells[0].Timestamp)
}

func TestTableScanLimit(t *testing.T) {
	tb := NewTable()
	put := controller.NewWithScannables([]cell.Scannable{cell.Slice{
		mustParse(t, "a/f:q=1"), mustParse(t, "b/f:q=2"), mustParse(t, "c/f:q=3"),
	}})
	require.NoError(t, tb.Put(call(t, put), nil, &PutReply{}))

	scan := controller.New()
	reply := &ScanReply{}
	require.NoError(t, tb.Scan(call(t, scan), &ScanArgs{Limit: 2}, reply))
	assert.Equal(t, 2, reply.Rows)
}

func TestTableScanCanceled(t *testing.T) {
	tb := NewTable()
	put := controller.NewWithScanner(cell.NewSliceScanner(mustParse(t, "a/f:q=1")))
	require.NoError(t, tb.Put(call(t, put), nil, &PutReply{}))

	scan := controller.New()
	ctx := call(t, scan)
	scan.StartCancel()
	err := tb.Scan(ctx, &ScanArgs{}, &ScanReply{})
	assert.ErrorIs(t, err, controller.ErrCanceled)
	assert.Nil(t, scan.CellScanner())
}

func TestTableWithoutController(t *testing.T) {
	assert.ErrorIs(t, NewTable().Put(context.Background(), nil, &PutReply{}), errNoController)
}

func TestParseCell(t *testing.T) {
	c, err := parseCell("row1/cf:q=v=1")
	require.NoError(t, err)
	assert.Equal(t, "row1", string(c.Row))
	assert.Equal(t, "cf", string(c.Family))
	assert.Equal(t, "q", string(c.Qualifier))
	assert.Equal(t, "v=1", string(c.Value))
	assert.Equal(t, cell.TypePut, c.Type)

	for _, bad := range []string{"row1/cf:q", "cf:q=v", "/cf:q=v", "row1/:q=v"} {
		_, err := parseCell(bad)
		assert.Error(t, err, bad)
	}
}

func mustParse(t *testing.T, s string) cell.Cell {
	t.Helper()
	c, err := parseCell(s)
	require.NoError(t, err)
	return c
}
