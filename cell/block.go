package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// A cell block is the concatenation of encoded cells, each laid out as:
//
//	┌─────────┬──────────┬──────────────────────────────────────────────┬───────┐
//	│ keyLen  │ valueLen │ key                                          │ value │
//	│ uint32  │ uint32   │ rowLen(2) row famLen(1) fam qual ts(8) type(1)│       │
//	└─────────┴──────────┴──────────────────────────────────────────────┴───────┘
//
// Integers are big-endian. The qualifier length is whatever remains of the key.
const (
	lenPrefixSize = 8
	keyFixedSize  = 2 + 1 + 8 + 1
)

// ErrMalformedBlock is wrapped by errors returned from a block scanner.
var ErrMalformedBlock = errors.New("cell: malformed cell block")

// EncodeBlock drains s into a cell block. It returns the block and the number
// of cells written. A nil scanner encodes to an empty block.
func EncodeBlock(s Scanner) ([]byte, int, error) {
	if s == nil {
		return nil, 0, nil
	}
	var (
		buf []byte
		n   int
	)
	for s.Advance() {
		var err error
		if buf, err = appendCell(buf, s.Current()); err != nil {
			return nil, 0, err
		}
		n++
	}
	if err := s.Err(); err != nil {
		return nil, 0, err
	}
	return buf, n, nil
}

func appendCell(buf []byte, c Cell) ([]byte, error) {
	if len(c.Row) > math.MaxUint16 {
		return nil, fmt.Errorf("cell: row too long: %d bytes", len(c.Row))
	}
	if len(c.Family) > math.MaxUint8 {
		return nil, fmt.Errorf("cell: family too long: %d bytes", len(c.Family))
	}
	keyLen := keyFixedSize + len(c.Row) + len(c.Family) + len(c.Qualifier)
	if uint64(keyLen) > math.MaxUint32 || uint64(len(c.Value)) > math.MaxUint32 {
		return nil, fmt.Errorf("cell: cell too large")
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(keyLen))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Value)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Row)))
	buf = append(buf, c.Row...)
	buf = append(buf, byte(len(c.Family)))
	buf = append(buf, c.Family...)
	buf = append(buf, c.Qualifier...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.Timestamp))
	buf = append(buf, byte(c.Type))
	buf = append(buf, c.Value...)
	return buf, nil
}

type blockScanner struct {
	block []byte
	cur   Cell
	err   error
}

// NewBlockScanner returns a Scanner decoding cells out of block. Decoded cells
// alias block; callers that keep cells past the block's lifetime must copy.
func NewBlockScanner(block []byte) Scanner {
	return &blockScanner{block: block}
}

func (s *blockScanner) Advance() bool {
	if s.err != nil || len(s.block) == 0 {
		s.cur = Cell{}
		return false
	}
	c, rest, err := decodeCell(s.block)
	if err != nil {
		s.err = err
		s.block = nil
		s.cur = Cell{}
		return false
	}
	s.cur = c
	s.block = rest
	return true
}

func (s *blockScanner) Current() Cell { return s.cur }

func (s *blockScanner) Err() error { return s.err }

func decodeCell(b []byte) (Cell, []byte, error) {
	if len(b) < lenPrefixSize {
		return Cell{}, nil, fmt.Errorf("%w: truncated length prefix", ErrMalformedBlock)
	}
	keyLen := uint64(binary.BigEndian.Uint32(b[0:4]))
	valueLen := uint64(binary.BigEndian.Uint32(b[4:8]))
	b = b[lenPrefixSize:]
	if keyLen < keyFixedSize || uint64(len(b)) < keyLen+valueLen {
		return Cell{}, nil, fmt.Errorf("%w: key %d value %d exceed %d remaining bytes", ErrMalformedBlock, keyLen, valueLen, len(b))
	}
	key, value, rest := b[:keyLen], b[keyLen:keyLen+valueLen], b[keyLen+valueLen:]

	rowLen := int(binary.BigEndian.Uint16(key[0:2]))
	key = key[2:]
	if len(key) < rowLen+1 {
		return Cell{}, nil, fmt.Errorf("%w: row length %d", ErrMalformedBlock, rowLen)
	}
	row := key[:rowLen]
	famLen := int(key[rowLen])
	key = key[rowLen+1:]
	if len(key) < famLen+9 {
		return Cell{}, nil, fmt.Errorf("%w: family length %d", ErrMalformedBlock, famLen)
	}
	family := key[:famLen]
	qualifier := key[famLen : len(key)-9]
	ts := int64(binary.BigEndian.Uint64(key[len(key)-9 : len(key)-1]))
	typ := Type(key[len(key)-1])

	return Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Type:      typ,
		Value:     value,
	}, rest, nil
}
