package db

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBProvider implements DatabaseProvider for LevelDB
type LevelDBProvider struct {
	once sync.Once
	db   *leveldb.DB
	sync bool
}

// NewLevelDBProvider opens (or creates) a LevelDB database in directory.
// With syncWrites every write is flushed before it returns.
func NewLevelDBProvider(directory string, syncWrites bool) (*LevelDBProvider, error) {
	db, err := leveldb.OpenFile(directory, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open LevelDB at %s: %w", directory, err)
	}
	return &LevelDBProvider{db: db, sync: syncWrites}, nil
}

func (p *LevelDBProvider) writeOptions() *opt.WriteOptions {
	if !p.sync {
		return nil
	}
	return &opt.WriteOptions{Sync: true}
}

func (p *LevelDBProvider) Get(key []byte) ([]byte, error) {
	value, err := p.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (p *LevelDBProvider) GetBatch(keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	// LevelDB has no MultiGet; a snapshot keeps the reads consistent
	snap, err := p.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	for _, key := range keys {
		value, err := snap.Get(key, nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[string(key)] = value
	}
	return result, nil
}

func (p *LevelDBProvider) Put(key, value []byte) error {
	return p.db.Put(key, value, p.writeOptions())
}

func (p *LevelDBProvider) Delete(key []byte) error {
	return p.db.Delete(key, p.writeOptions())
}

func (p *LevelDBProvider) Has(key []byte) (bool, error) {
	return p.db.Has(key, nil)
}

func (p *LevelDBProvider) IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error {
	iter := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if !callback(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// Close is idempotent so one provider can back several stores.
func (p *LevelDBProvider) Close() error {
	var err error
	p.once.Do(func() {
		err = p.db.Close()
	})
	return err
}

func (p *LevelDBProvider) Batch() DatabaseBatch {
	return &levelDBBatch{batch: new(leveldb.Batch), p: p}
}

type levelDBBatch struct {
	batch *leveldb.Batch
	p     *LevelDBProvider
}

func (b *levelDBBatch) Put(key, value []byte) {
	b.batch.Put(key, value)
}

func (b *levelDBBatch) Delete(key []byte) {
	b.batch.Delete(key)
}

func (b *levelDBBatch) Write() error {
	return b.p.db.Write(b.batch, b.p.writeOptions())
}

func (b *levelDBBatch) Reset() {
	b.batch.Reset()
}

func (b *levelDBBatch) Close() error {
	return nil
}
