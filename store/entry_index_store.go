package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/db"
	"github.com/decentcloud/dcledger/jsonx"
	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
)

// EntryIndexStore keeps the latest committed value of every (label, key) in
// a key-value database so other processes can read the ledger without
// replaying the block file. Keys:
// - PrefixEntry + label + ":" + hex(key) => JSON materialized entry
// - PrefixIndexMeta + IndexMetaKeyNextPosition => 8-byte big-endian ledger offset
// - PrefixIndexMeta + IndexMetaKeyBlockCount => 8-byte big-endian block count
type EntryIndexStore struct {
	provider db.DatabaseProvider
	ledger   *ledger.Ledger

	mu         sync.Mutex
	nextPos    int64
	blockCount uint64
}

func NewEntryIndexStore(provider db.DatabaseProvider) (*EntryIndexStore, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	s := &EntryIndexStore{provider: provider}
	if err := s.loadMeta(); err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return s, nil
}

func (s *EntryIndexStore) loadMeta() error {
	got, err := s.provider.GetBatch([][]byte{
		indexMetaKey(IndexMetaKeyNextPosition),
		indexMetaKey(IndexMetaKeyBlockCount),
	})
	if err != nil {
		return err
	}
	if v, ok := got[string(indexMetaKey(IndexMetaKeyNextPosition))]; ok && len(v) == 8 {
		s.nextPos = int64(binary.BigEndian.Uint64(v))
	}
	if v, ok := got[string(indexMetaKey(IndexMetaKeyBlockCount))]; ok && len(v) == 8 {
		s.blockCount = binary.BigEndian.Uint64(v)
	}
	return nil
}

func indexMetaKey(name string) []byte {
	return []byte(PrefixIndexMeta + name)
}

func entryPrefix(label string) []byte {
	return []byte(PrefixEntry + label + ":")
}

func entryKey(label string, key []byte) []byte {
	return append(entryPrefix(label), hex.EncodeToString(key)...)
}

// Attach indexes every block l holds beyond what is already stored and then
// follows new commits.
func (s *EntryIndexStore) Attach(l *ledger.Ledger) error {
	s.mu.Lock()
	s.ledger = l
	s.mu.Unlock()
	l.Subscribe(s.onBlock)
	return s.CatchUp(l)
}

// CatchUp indexes the blocks stored after the last indexed position.
func (s *EntryIndexStore) CatchUp(l *ledger.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catchUpLocked(l)
}

func (s *EntryIndexStore) catchUpLocked(l *ledger.Ledger) error {
	if s.nextPos > l.Size() {
		return fmt.Errorf("entry index is ahead of the ledger (%d > %d bytes), rebuild it", s.nextPos, l.Size())
	}
	start := s.blockCount
	it := l.Blocks(s.nextPos)
	for it.Next() {
		if err := s.indexLocked(it.Position(), it.NextPosition(), it.Block()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if n := s.blockCount - start; n > 0 {
		logx.Info("ENTRY_INDEX", fmt.Sprintf("caught up %d blocks, %d indexed", n, s.blockCount))
	}
	return nil
}

func (s *EntryIndexStore) onBlock(height uint64, pos int64, b *block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case pos < s.nextPos:
		return
	case pos > s.nextPos:
		// an earlier block failed to index; the walk from nextPos covers it and b
		logx.Warn("ENTRY_INDEX", fmt.Sprintf("block %d at %d is past index position %d, catching up", height, pos, s.nextPos))
		if s.ledger == nil {
			return
		}
		if err := s.catchUpLocked(s.ledger); err != nil {
			logx.Error("ENTRY_INDEX", fmt.Sprintf("catch-up at block %d failed: ", height), err)
		}
		return
	}
	next := pos + int64(b.EncodedSize())
	if err := s.indexLocked(pos, next, b); err != nil {
		logx.Error("ENTRY_INDEX", fmt.Sprintf("failed to index block %d: ", height), err)
	}
}

func (s *EntryIndexStore) indexLocked(pos, next int64, b *block.Block) error {
	height := s.blockCount
	err := db.WithBatch(s.provider, func(batch db.DatabaseBatch) error {
		for _, e := range b.Entries {
			me := labelindex.MaterializedEntry{
				Label:            e.Label,
				Key:              e.Key,
				Value:            e.Value,
				BlockTimestampNs: b.TimestampNs,
				BlockHash:        b.Hash,
				BlockOffset:      pos,
				BlockHeight:      height,
			}
			raw, err := jsonx.Marshal(me)
			if err != nil {
				return err
			}
			batch.Put(entryKey(e.Label, e.Key), raw)
		}
		batch.Put(indexMetaKey(IndexMetaKeyNextPosition), encodeUint64(uint64(next)))
		batch.Put(indexMetaKey(IndexMetaKeyBlockCount), encodeUint64(height+1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index block at %d: %w", pos, err)
	}
	s.nextPos, s.blockCount = next, height+1
	return nil
}

// Get returns the latest committed entry of (label, key), or nil.
func (s *EntryIndexStore) Get(label string, key []byte) (*labelindex.MaterializedEntry, error) {
	raw, err := s.provider.Get(entryKey(label, key))
	if err != nil || raw == nil {
		return nil, err
	}
	var me labelindex.MaterializedEntry
	if err := jsonx.Unmarshal(raw, &me); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s/%x: %w", label, key, err)
	}
	return &me, nil
}

// List visits the latest entry of every key of label in key order until fn
// returns false.
func (s *EntryIndexStore) List(label string, fn func(labelindex.MaterializedEntry) bool) error {
	var decodeErr error
	err := s.provider.IteratePrefix(entryPrefix(label), func(_, value []byte) bool {
		var me labelindex.MaterializedEntry
		if decodeErr = jsonx.Unmarshal(value, &me); decodeErr != nil {
			return false
		}
		return fn(me)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Position returns the ledger offset and block count indexed so far.
func (s *EntryIndexStore) Position() (int64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPos, s.blockCount
}

func (s *EntryIndexStore) Close() error {
	return s.provider.Close()
}
