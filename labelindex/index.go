package labelindex

import (
	"sort"
	"sync"

	"github.com/decentcloud/dcledger/block"
)

// MaterializedEntry is an entry together with the block it was committed in.
type MaterializedEntry struct {
	Label            string     `json:"label"`
	Key              []byte     `json:"key"`
	Value            []byte     `json:"value"`
	BlockTimestampNs uint64     `json:"block_timestamp_ns"`
	BlockHash        block.Hash `json:"block_hash"`
	BlockOffset      int64      `json:"block_offset"`
	BlockHeight      uint64     `json:"block_height"`
}

type indexedBlock struct {
	offset      int64
	timestampNs uint64
	hash        block.Hash
	entries     []block.Entry
	before      int // entries in all earlier blocks
}

type ref struct {
	block int
	entry int
}

// Index maps every label to its entries in commit order and to the latest
// value per key. Slices are append-only: an element, once published, is never
// modified, so iterators can keep reading a snapshot without holding the lock.
type Index struct {
	mu      sync.RWMutex
	blocks  []indexedBlock
	byLabel map[string][]ref
	latest  map[string]map[string]ref
	heights map[block.Hash]uint64
	entries int
}

func New() *Index {
	return &Index{
		byLabel: make(map[string][]ref),
		latest:  make(map[string]map[string]ref),
		heights: make(map[block.Hash]uint64),
	}
}

// BlockSource is anything that can replay committed blocks in file order.
type BlockSource interface {
	Next() bool
	Block() *block.Block
	Position() int64
	Err() error
}

// Rebuild resets the index and refills it from src.
func (x *Index) Rebuild(src BlockSource) error {
	fresh := New()
	for src.Next() {
		fresh.Apply(src.Position(), src.Block())
	}
	if err := src.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	x.blocks, x.byLabel, x.latest, x.heights, x.entries = fresh.blocks, fresh.byLabel, fresh.latest, fresh.heights, fresh.entries
	x.mu.Unlock()
	return nil
}

// Apply folds one committed block, stored at offset, into the index and
// returns its height.
func (x *Index) Apply(offset int64, b *block.Block) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	bi := len(x.blocks)
	x.blocks = append(x.blocks, indexedBlock{
		offset:      offset,
		timestampNs: b.TimestampNs,
		hash:        b.Hash,
		entries:     b.Entries,
		before:      x.entries,
	})
	x.heights[b.Hash] = uint64(bi)
	for ei, e := range b.Entries {
		r := ref{block: bi, entry: ei}
		x.byLabel[e.Label] = append(x.byLabel[e.Label], r)
		keys, ok := x.latest[e.Label]
		if !ok {
			keys = make(map[string]ref)
			x.latest[e.Label] = keys
		}
		keys[string(e.Key)] = r
	}
	x.entries += len(b.Entries)
	return uint64(bi)
}

func (x *Index) materialize(blocks []indexedBlock, r ref) MaterializedEntry {
	b := blocks[r.block]
	e := b.entries[r.entry]
	return MaterializedEntry{
		Label:            e.Label,
		Key:              e.Key,
		Value:            e.Value,
		BlockTimestampNs: b.timestampNs,
		BlockHash:        b.hash,
		BlockOffset:      b.offset,
		BlockHeight:      uint64(r.block),
	}
}

// Get returns the latest value stored under (label, key).
func (x *Index) Get(label string, key []byte) (MaterializedEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.latest[label][string(key)]
	if !ok {
		return MaterializedEntry{}, false
	}
	return x.materialize(x.blocks, r), true
}

func (x *Index) Contains(label string, key []byte) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.latest[label][string(key)]
	return ok
}

// Latest returns one entry per key of label, the newest value for each,
// ordered by the position of that newest value.
func (x *Index) Latest(label string) []MaterializedEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	keys := x.latest[label]
	refs := make([]ref, 0, len(keys))
	for _, r := range keys {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].block != refs[j].block {
			return refs[i].block < refs[j].block
		}
		return refs[i].entry < refs[j].entry
	})
	out := make([]MaterializedEntry, 0, len(refs))
	for _, r := range refs {
		out = append(out, x.materialize(x.blocks, r))
	}
	return out
}

// Labels lists every label seen so far, sorted.
func (x *Index) Labels() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.byLabel))
	for l := range x.byLabel {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of entries committed under label.
func (x *Index) Count(label string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byLabel[label])
}

func (x *Index) EntryCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries
}

// BlockHeight looks up a committed block by hash.
func (x *Index) BlockHeight(h block.Hash) (uint64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	height, ok := x.heights[h]
	return height, ok
}

func (x *Index) BlockCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.blocks)
}

// Iterate returns a snapshot iterator. With a nil label it yields every entry
// in physical block order; otherwise only entries of that label, still in
// commit order and, inside one block, in upsert order.
func (x *Index) Iterate(label *string) *Iterator {
	x.mu.RLock()
	defer x.mu.RUnlock()
	it := &Iterator{x: x, blocks: x.blocks[:len(x.blocks):len(x.blocks)], total: x.entries}
	if label != nil {
		refs := x.byLabel[*label]
		it.refs = refs[:len(refs):len(refs)]
		it.labeled = true
	}
	return it
}

// IterateFrom yields all entries of blocks stored at or after offset.
func (x *Index) IterateFrom(offset int64) *Iterator {
	it := x.Iterate(nil)
	it.bi = sort.Search(len(it.blocks), func(i int) bool { return it.blocks[i].offset >= offset })
	return it
}

// Iterator is a lazy, restart-free walk over an index snapshot.
type Iterator struct {
	x       *Index
	blocks  []indexedBlock
	refs    []ref
	labeled bool
	total   int

	i      int
	bi, ei int
	cur    MaterializedEntry
}

func (it *Iterator) Next() bool {
	if it.labeled {
		if it.i >= len(it.refs) {
			return false
		}
		it.cur = it.x.materialize(it.blocks, it.refs[it.i])
		it.i++
		return true
	}
	for it.bi < len(it.blocks) {
		b := it.blocks[it.bi]
		if it.ei < len(b.entries) {
			it.cur = it.x.materialize(it.blocks, ref{block: it.bi, entry: it.ei})
			it.ei++
			return true
		}
		it.bi++
		it.ei = 0
	}
	return false
}

// Remaining counts the entries Next has yet to yield without walking them.
func (it *Iterator) Remaining() int {
	if it.labeled {
		return len(it.refs) - it.i
	}
	if it.bi >= len(it.blocks) {
		return 0
	}
	return it.total - it.blocks[it.bi].before - it.ei
}

// BlockCount is the number of blocks in the snapshot, empty ones included.
func (it *Iterator) BlockCount() uint64 {
	return uint64(len(it.blocks))
}

func (it *Iterator) Entry() MaterializedEntry {
	return it.cur
}

// Collect drains the iterator.
func (it *Iterator) Collect() []MaterializedEntry {
	var out []MaterializedEntry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out
}
