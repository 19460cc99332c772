package main

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"cell-rpc/cell"
	"cell-rpc/controller"
)

var errNoController = errors.New("table: call has no controller")

// Table is an in-memory cell store. Cells travel in the call's cell block,
// never in the JSON payload.
type Table struct {
	mu   sync.RWMutex
	rows map[string][]cell.Cell
}

func NewTable() *Table {
	return &Table{rows: make(map[string][]cell.Cell)}
}

type PutReply struct {
	Cells int
}

// Put stores every request cell. A zero timestamp is replaced with now.
func (t *Table) Put(ctx context.Context, _ *struct{}, reply *PutReply) error {
	ctrl, ok := controller.FromContext(ctx)
	if !ok {
		return errNoController
	}
	cells, err := cell.Collect(ctrl.CellScanner())
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cells {
		if c.Timestamp == 0 {
			c.Timestamp = now
		}
		if c.Type == 0 {
			c.Type = cell.TypePut
		}
		key := string(c.Row)
		t.rows[key] = append(t.rows[key], c)
	}
	reply.Cells = len(cells)
	return nil
}

type ScanArgs struct {
	Prefix string
	Limit  int
}

type ScanReply struct {
	Rows  int
	Cells int
}

// Scan answers with the cells of every row starting with args.Prefix, in row
// order. It stops early when the call is canceled.
func (t *Table) Scan(ctx context.Context, args *ScanArgs, reply *ScanReply) error {
	ctrl, ok := controller.FromContext(ctx)
	if !ok {
		return errNoController
	}

	t.mu.RLock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		if strings.HasPrefix(k, args.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if args.Limit > 0 && len(keys) > args.Limit {
		keys = keys[:args.Limit]
	}
	var out cell.Slice
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			t.mu.RUnlock()
			return context.Cause(ctx)
		}
		out = append(out, slices.Clone(t.rows[k])...)
	}
	t.mu.RUnlock()

	ctrl.SetCellScanner(out.CellScanner())
	reply.Rows = len(keys)
	reply.Cells = len(out)
	return nil
}
