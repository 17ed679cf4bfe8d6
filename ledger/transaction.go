package ledger

import (
	"fmt"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
)

// per-block overhead on top of the entry bytes
const blockOverhead = block.FrameSize + block.HeaderSize + block.HashSize

// BeginBlock starts buffering a new block.
func (l *Ledger) BeginBlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateIdle {
		return ErrBlockInProgress
	}
	l.state = stateBuilding
	l.delta = labelindex.NewDelta()
	return nil
}

// Upsert buffers one entry in the block being built. Nothing touches the disk
// before CommitBlock. An upsert that would push the block over a limit is
// rejected and leaves the buffer as it was.
func (l *Ledger) Upsert(label string, key, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateBuilding {
		return ErrNoBlockInProgress
	}
	if l.delta.Len()+1 > l.cfg.maxEntries() {
		return fmt.Errorf("%w: limit is %d", ErrTooManyEntriesInBlock, l.cfg.maxEntries())
	}
	size := blockOverhead + l.delta.EncodedBytes() + 10 + len(label) + len(key) + len(value)
	if len(label) > 0xffff || size > l.cfg.maxBlockBytes() {
		return fmt.Errorf("%w: %d bytes with entry %s, limit is %d", ErrBlockTooLarge, size, label, l.cfg.maxBlockBytes())
	}
	l.delta.Upsert(label, key, value)
	return nil
}

// AbortBlock drops the block being built, if any.
func (l *Ledger) AbortBlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateBuilding {
		l.state, l.delta = stateIdle, nil
	}
}

// InBlock reports whether a block is being built.
func (l *Ledger) InBlock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != stateIdle
}

// CommitBlock stamps, hashes and appends the buffered block, then folds it
// into the label index. The ledger is idle again afterwards whether or not
// the commit succeeded; a failed commit loses the buffered entries.
func (l *Ledger) CommitBlock() (*block.Block, int64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	switch {
	case l.state == stateIdle:
		l.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %w", ErrBlockEmpty, ErrNoBlockInProgress)
	case l.delta.Len() == 0:
		l.state, l.delta = stateIdle, nil
		l.mu.Unlock()
		return nil, 0, ErrBlockEmpty
	}
	l.state = stateCommitting
	entries := l.delta.Entries()
	l.mu.Unlock()

	pos, b, err := l.appendEntries(entries)
	if err != nil {
		l.toIdle()
		monitoring.IncreaseCommitFailures()
		logx.Error("LEDGER", fmt.Sprintf("commit of %d entries failed: %v", len(entries), err))
		return nil, 0, err
	}
	height := l.index.Apply(pos, b)
	monitoring.RecordEntriesInBlock(len(b.Entries))
	logx.Debug("LEDGER", fmt.Sprintf("committed block %d (%s) with %d entries at %d", height, b.Hash, len(b.Entries), pos))
	l.notify(height, pos, b)
	// a new block may only start once every listener has seen this one
	l.toIdle()
	return b, pos, nil
}

func (l *Ledger) toIdle() {
	l.mu.Lock()
	l.state, l.delta = stateIdle, nil
	l.mu.Unlock()
}

func (l *Ledger) appendEntries(entries []block.Entry) (int64, *block.Block, error) {
	b, err := block.New(l.store.LatestHash(), l.clock.NowNs(), entries)
	if err != nil {
		return 0, nil, classify(err)
	}
	pos, err := l.store.Append(b)
	if err != nil {
		return 0, nil, classify(err)
	}
	return pos, b, nil
}

// Commit runs fn inside a fresh block and commits it when fn succeeds. The
// block is dropped when fn fails.
func (l *Ledger) Commit(fn func(tx *Tx) error) (*block.Block, int64, error) {
	if err := l.BeginBlock(); err != nil {
		return nil, 0, err
	}
	if err := fn(&Tx{l: l}); err != nil {
		l.AbortBlock()
		return nil, 0, err
	}
	return l.CommitBlock()
}

// Tx is the write handle passed to Commit callbacks.
type Tx struct {
	l *Ledger
}

func (tx *Tx) Upsert(label string, key, value []byte) error {
	return tx.l.Upsert(label, key, value)
}

func (tx *Tx) Get(label string, key []byte) ([]byte, error) {
	return tx.l.Get(label, key)
}
