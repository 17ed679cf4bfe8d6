package ledger

import (
	"fmt"
	"sync"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/blockstore"
	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
)

const DefaultMaxEntriesPerBlock = 10_000

type Config struct {
	MaxEntriesPerBlock int
	MaxBlockBytes      int
	Fsync              bool
}

func (c Config) maxEntries() int {
	if c.MaxEntriesPerBlock <= 0 {
		return DefaultMaxEntriesPerBlock
	}
	return c.MaxEntriesPerBlock
}

func (c Config) maxBlockBytes() int {
	if c.MaxBlockBytes <= 0 {
		return blockstore.DefaultMaxBlockBytes
	}
	return c.MaxBlockBytes
}

// CommitListener is told about every block that reaches the store, in order.
// It runs on the committing goroutine and must not start a new block itself.
type CommitListener func(height uint64, position int64, b *block.Block)

type txState int

const (
	stateIdle txState = iota
	stateBuilding
	stateCommitting
)

// Ledger ties the block store, the label index and the write transaction
// together. Any number of readers may run alongside the single writer.
type Ledger struct {
	cfg   Config
	clock Clock
	store *blockstore.FileStore
	index *labelindex.Index

	// writeMu serializes commits, synced blocks and listener calls.
	writeMu sync.Mutex

	mu    sync.Mutex
	state txState
	delta *labelindex.Delta

	listenersMu sync.RWMutex
	listeners   []CommitListener
}

// Open opens the ledger file at path and indexes every committed block.
// A nil clock means the wall clock.
func Open(path string, cfg Config, clock Clock) (*Ledger, error) {
	if clock == nil {
		clock = SystemClock
	}
	st, err := blockstore.Open(path, blockstore.Config{MaxBlockBytes: cfg.maxBlockBytes(), Fsync: cfg.Fsync})
	if err != nil {
		return nil, classify(err)
	}
	l := &Ledger{
		cfg:   cfg,
		clock: clock,
		store: st,
		index: labelindex.New(),
	}
	if err := l.index.Rebuild(st.Iterate(0)); err != nil {
		_ = st.Close()
		return nil, classify(err)
	}
	logx.Info("LEDGER", fmt.Sprintf("indexed %d entries in %d blocks", l.index.EntryCount(), l.index.BlockCount()))
	return l, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.state == stateBuilding {
		logx.Warn("LEDGER", fmt.Sprintf("closing with %d uncommitted entries", l.delta.Len()))
	}
	l.state, l.delta = stateIdle, nil
	l.mu.Unlock()
	return classify(l.store.Close())
}

// Subscribe registers fn for every block committed or synced from now on.
func (l *Ledger) Subscribe(fn CommitListener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Ledger) notify(height uint64, pos int64, b *block.Block) {
	l.listenersMu.RLock()
	listeners := l.listeners
	l.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(height, pos, b)
	}
}

// Get returns the newest value of (label, key), looking at the block being
// built before the committed entries.
func (l *Ledger) Get(label string, key []byte) ([]byte, error) {
	l.mu.Lock()
	if l.delta != nil {
		if v, ok := l.delta.Get(label, key); ok {
			l.mu.Unlock()
			return v, nil
		}
	}
	l.mu.Unlock()

	e, err := l.GetCommitted(label, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetCommitted ignores uncommitted writes.
func (l *Ledger) GetCommitted(label string, key []byte) (labelindex.MaterializedEntry, error) {
	e, ok := l.index.Get(label, key)
	if !ok {
		return labelindex.MaterializedEntry{}, fmt.Errorf("%w: %s/%x", ErrEntryNotFound, label, key)
	}
	return e, nil
}

func (l *Ledger) Contains(label string, key []byte) bool {
	_, err := l.Get(label, key)
	return err == nil
}

// Iterate walks committed entries; see labelindex.Index.Iterate.
func (l *Ledger) Iterate(label *string) *labelindex.Iterator {
	return l.index.Iterate(label)
}

// Latest returns the newest committed entry for every key of label.
func (l *Ledger) Latest(label string) []labelindex.MaterializedEntry {
	return l.index.Latest(label)
}

func (l *Ledger) Labels() []string {
	return l.index.Labels()
}

// IterateFrom walks the committed entries of the blocks stored at or after
// position without copying them out first.
func (l *Ledger) IterateFrom(position int64) *labelindex.Iterator {
	return l.index.IterateFrom(position)
}

// EntriesFrom returns every committed entry of the blocks stored at or after position.
func (l *Ledger) EntriesFrom(position int64) []labelindex.MaterializedEntry {
	return l.index.IterateFrom(position).Collect()
}

// PendingEntries lists the uncommitted entries of label in upsert order.
func (l *Ledger) PendingEntries(label string) []block.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delta == nil {
		return nil
	}
	return l.delta.Pending(label)
}

func (l *Ledger) BlockCount() uint64 {
	return l.store.BlockCount()
}

func (l *Ledger) LatestTimestampNs() uint64 {
	return l.store.LatestTimestampNs()
}

func (l *Ledger) LatestBlockHash() block.Hash {
	return l.store.LatestHash()
}

// HasBlock reports whether a block with hash h is committed.
func (l *Ledger) HasBlock(h block.Hash) bool {
	_, ok := l.index.BlockHeight(h)
	return ok
}

// Size is the number of committed bytes, which is also the next block position.
func (l *Ledger) Size() int64 {
	return l.store.Size()
}

func (l *Ledger) Path() string {
	return l.store.Path()
}

// ReadBlockAt returns the block stored at position and the position after it.
func (l *Ledger) ReadBlockAt(position int64) (*block.Block, int64, error) {
	b, next, err := l.store.ReadBlockAt(position)
	return b, next, classify(err)
}

func (l *Ledger) PositionAtOrAfter(position int64) (int64, bool) {
	return l.store.PositionAtOrAfter(position)
}

func (l *Ledger) ContainsPosition(position int64) bool {
	return l.store.ContainsPosition(position)
}

// Blocks walks the committed blocks from byte offset from.
func (l *Ledger) Blocks(from int64) *blockstore.Iterator {
	return l.store.Iterate(from)
}

// Verify re-reads the whole file and checks every digest and parent link.
// It returns the number of verified blocks.
func (l *Ledger) Verify() (uint64, error) {
	it := l.store.Iterate(0)
	parent := block.GenesisParentHash
	var n uint64
	for it.Next() {
		b := it.Block()
		if b.ParentHash != parent {
			return n, fmt.Errorf("%w: block %d at %d links to %s, expected %s",
				ErrBlockCorrupted, n, it.Position(), b.ParentHash, parent)
		}
		parent = b.Hash
		n++
	}
	if err := it.Err(); err != nil {
		return n, classify(err)
	}
	return n, nil
}

// ApplyBlock appends a block built elsewhere, typically received from an
// upstream ledger. It must extend the local tip and cannot run while a local
// block is being built.
func (l *Ledger) ApplyBlock(b *block.Block) (int64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.state != stateIdle {
		l.mu.Unlock()
		return 0, ErrBlockInProgress
	}
	l.state = stateCommitting
	l.mu.Unlock()
	defer l.toIdle()

	if b.ComputeHash() != b.Hash {
		return 0, fmt.Errorf("%w: hash %s does not match content", ErrBlockCorrupted, b.Hash)
	}
	if len(b.Entries) > l.cfg.maxEntries() {
		return 0, fmt.Errorf("%w: %d entries", ErrTooManyEntriesInBlock, len(b.Entries))
	}
	pos, err := l.store.Append(b)
	if err != nil {
		return 0, classify(err)
	}
	height := l.index.Apply(pos, b)
	monitoring.RecordEntriesInBlock(len(b.Entries))
	l.notify(height, pos, b)
	return pos, nil
}
