package blockstore

import (
	"github.com/decentcloud/dcledger/block"
)

// Iterator walks blocks in file order. It is bounded by the store size at
// creation time, so blocks appended afterwards are not visited.
type Iterator struct {
	s    *FileStore
	pos  int64
	end  int64
	cur  *block.Block
	at   int64
	err  error
	done bool
}

// Iterate starts a lazy walk at byte offset from, which must be a block
// boundary (0 starts at the first block).
func (s *FileStore) Iterate(from int64) *Iterator {
	return &Iterator{s: s, pos: from, end: s.Size()}
}

func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.pos >= it.end {
		it.done = true
		return false
	}
	b, next, err := readRecord(it.s.file, it.pos, it.end)
	if err != nil {
		it.err = asCorrupted(err)
		return false
	}
	it.cur, it.at, it.pos = b, it.pos, next
	return true
}

func (it *Iterator) Block() *block.Block {
	return it.cur
}

// Position is the byte offset of the current block.
func (it *Iterator) Position() int64 {
	return it.at
}

// NextPosition is where a restarted iteration would pick up.
func (it *Iterator) NextPosition() int64 {
	return it.pos
}

func (it *Iterator) Err() error {
	return it.err
}
