// Package cell defines the row-oriented records ("cells") that ride next to
// an RPC's serialized request and response, and the one-shot scanners used to
// hand them around.
//
// A Scanner is forward-only: it is drained exactly once and cannot be backed
// up or restarted. Once Advance has returned false it keeps returning false,
// so draining an exhausted scanner again yields nothing rather than an error.
//
//	s := cell.NewSliceScanner(c1, c2, c3)
//	for s.Advance() {
//	    use(s.Current())
//	}
//	if err := s.Err(); err != nil { ... }
package cell

import (
	"bytes"
	"fmt"
	"iter"
)

// Type is the kind of mutation a cell records.
type Type byte

const (
	TypePut          Type = 4
	TypeDelete       Type = 8
	TypeDeleteColumn Type = 12
	TypeDeleteFamily Type = 14
)

// Cell is one versioned value addressed by row, family and qualifier.
type Cell struct {
	Row       []byte
	Family    []byte
	Qualifier []byte
	Timestamp int64
	Type      Type
	Value     []byte
}

// Equal reports whether two cells carry identical coordinates and value.
func (c Cell) Equal(o Cell) bool {
	return bytes.Equal(c.Row, o.Row) &&
		bytes.Equal(c.Family, o.Family) &&
		bytes.Equal(c.Qualifier, o.Qualifier) &&
		c.Timestamp == o.Timestamp &&
		c.Type == o.Type &&
		bytes.Equal(c.Value, o.Value)
}

func (c Cell) String() string {
	return fmt.Sprintf("%q/%q:%q/%d/%d vlen=%d", c.Row, c.Family, c.Qualifier, c.Timestamp, c.Type, len(c.Value))
}

// Scanner is a one-shot, forward-only sequence of cells.
type Scanner interface {
	// Advance moves to the next cell. It returns false once the sequence is
	// exhausted or broken, and keeps returning false afterwards.
	Advance() bool
	// Current returns the cell Advance moved to. Only valid after Advance
	// returned true.
	Current() Cell
	// Err returns the error that stopped the scanner, if any.
	Err() error
}

// Scannable is anything that can expose its cells as a Scanner.
type Scannable interface {
	CellScanner() Scanner
}

type sliceScanner struct {
	cells []Cell
	pos   int
}

// NewSliceScanner returns a Scanner over cells. The slice is not copied.
func NewSliceScanner(cells ...Cell) Scanner {
	return &sliceScanner{cells: cells, pos: -1}
}

func (s *sliceScanner) Advance() bool {
	if s.pos+1 >= len(s.cells) {
		s.pos = len(s.cells)
		return false
	}
	s.pos++
	return true
}

func (s *sliceScanner) Current() Cell {
	if s.pos < 0 || s.pos >= len(s.cells) {
		return Cell{}
	}
	return s.cells[s.pos]
}

func (s *sliceScanner) Err() error { return nil }

// Slice is a Scannable backed by an in-memory list of cells. Each call to
// CellScanner returns a fresh Scanner.
type Slice []Cell

func (s Slice) CellScanner() Scanner { return NewSliceScanner(s...) }

type concatScanner struct {
	sources []Scannable
	cur     Scanner
	err     error
}

// Concat returns a Scanner yielding the cells of every source in list order,
// each source's cells in their own order. Sources are opened lazily; nil
// sources and sources returning a nil Scanner are skipped.
func Concat(sources []Scannable) Scanner {
	return &concatScanner{sources: sources}
}

func (s *concatScanner) Advance() bool {
	for s.err == nil {
		if s.cur != nil {
			if s.cur.Advance() {
				return true
			}
			if err := s.cur.Err(); err != nil {
				s.err = err
				break
			}
			s.cur = nil
		}
		if len(s.sources) == 0 {
			return false
		}
		next := s.sources[0]
		s.sources = s.sources[1:]
		if next != nil {
			s.cur = next.CellScanner()
		}
	}
	return false
}

func (s *concatScanner) Current() Cell {
	if s.cur == nil {
		return Cell{}
	}
	return s.cur.Current()
}

func (s *concatScanner) Err() error { return s.err }

// All adapts s to a range-over-func sequence. Ranging drains s; check s.Err
// afterwards. A nil scanner yields nothing.
func All(s Scanner) iter.Seq[Cell] {
	return func(yield func(Cell) bool) {
		if s == nil {
			return
		}
		for s.Advance() {
			if !yield(s.Current()) {
				return
			}
		}
	}
}

// Collect drains s into a slice. A nil scanner yields no cells.
func Collect(s Scanner) ([]Cell, error) {
	var cells []Cell
	for c := range All(s) {
		cells = append(cells, c)
	}
	if s == nil {
		return cells, nil
	}
	return cells, s.Err()
}
