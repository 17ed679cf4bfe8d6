package blockstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/monitoring"
)

const (
	DefaultMaxBlockBytes = 64 << 20

	// hard upper bound for a frame read back from disk, regardless of config
	maxRecordBytes = 1 << 30
)

var (
	// ErrParentMismatch is returned by Append when the block does not extend the current tip.
	ErrParentMismatch = errors.New("block parent hash does not match store tip")
	ErrClosed         = errors.New("block store closed")
)

// Config tunes a FileStore.
type Config struct {
	// MaxBlockBytes limits a single encoded block, frame included. 0 means DefaultMaxBlockBytes.
	MaxBlockBytes int
	// Fsync forces an fsync after every append before the block is published to readers.
	Fsync bool
}

func (c Config) maxBlockBytes() int {
	if c.MaxBlockBytes <= 0 {
		return DefaultMaxBlockBytes
	}
	return c.MaxBlockBytes
}

// FileStore is an append-only file of framed blocks. Appends are serialized;
// readers only ever see bytes below the published size, so a block is visible
// either completely or not at all.
type FileStore struct {
	path   string
	cfg    Config
	file   *os.File
	unlock func() error

	writeMu sync.Mutex

	mu        sync.RWMutex
	size      int64
	positions []int64
	tip       block.Hash
	tipTs     uint64
	closed    bool
}

// Open opens or creates the block file at path, takes an exclusive lock on it
// and validates the whole chain. A damaged final record is cut off; damage in
// any earlier record fails the open.
func Open(path string, cfg Config) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "create ledger dir %s", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open ledger file %s", path)
	}
	unlock, err := lockFile(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ledger file %s is in use: %w", path, err)
	}

	s := &FileStore{
		path:   path,
		cfg:    cfg,
		file:   f,
		unlock: unlock,
		tip:    block.GenesisParentHash,
	}
	if err := s.recover(); err != nil {
		_ = unlock()
		_ = f.Close()
		return nil, err
	}
	logx.Info("BLOCKSTORE", fmt.Sprintf("opened %s: %d blocks, %d bytes", path, len(s.positions), s.size))
	monitoring.SetBlockHeight(uint64(len(s.positions)))
	return s, nil
}

func (s *FileStore) recover() error {
	info, err := s.file.Stat()
	if err != nil {
		return pkgerrors.Wrap(err, "stat ledger file")
	}
	fileSize := info.Size()

	var pos int64
	parent := block.GenesisParentHash
	for pos < fileSize {
		b, next, err := readRecord(s.file, pos, fileSize)
		if err == nil && b.ParentHash != parent {
			err = fmt.Errorf("%w: block at %d has parent %s, expected %s", block.ErrCorrupted, pos, b.ParentHash, parent)
		}
		if err != nil {
			if errors.Is(err, block.ErrUnsupportedVersion) {
				return fmt.Errorf("block at offset %d: %w", pos, err)
			}
			lastRecord := errors.Is(err, block.ErrTruncated) || next >= fileSize
			if !lastRecord {
				return fmt.Errorf("block at offset %d: %w", pos, asCorrupted(err))
			}
			if errors.Is(err, block.ErrTruncated) && s.completeBodyAt(pos, fileSize) {
				return fmt.Errorf("block at offset %d: %w: length prefix does not match a complete record", pos, block.ErrCorrupted)
			}
			logx.Warn("BLOCKSTORE", fmt.Sprintf("discarding %d trailing bytes at offset %d: %v", fileSize-pos, pos, err))
			monitoring.RecordTruncatedTail(fileSize - pos)
			if err := s.file.Truncate(pos); err != nil {
				return pkgerrors.Wrap(err, "truncate torn tail")
			}
			if err := s.file.Sync(); err != nil {
				return pkgerrors.Wrap(err, "sync after truncate")
			}
			break
		}
		s.positions = append(s.positions, pos)
		s.tip = b.Hash
		s.tipTs = b.TimestampNs
		parent = b.Hash
		pos = next
	}
	s.size = pos
	return nil
}

// completeBodyAt reports whether a whole, digest-valid block body follows the
// frame prefix at pos. A torn append never leaves one behind, so a truncated
// frame in front of it means the prefix itself is damaged.
func (s *FileStore) completeBodyAt(pos, fileSize int64) bool {
	avail := fileSize - pos - block.FrameSize
	if limit := int64(s.cfg.maxBlockBytes()); avail > limit {
		avail = limit
	}
	if avail < block.HeaderSize+block.HashSize {
		return false
	}
	buf := make([]byte, avail)
	if _, err := s.file.ReadAt(buf, pos+block.FrameSize); err != nil {
		return false
	}
	_, _, err := block.DecodePrefix(buf)
	return err == nil
}

func asCorrupted(err error) error {
	if errors.Is(err, block.ErrCorrupted) {
		return err
	}
	return fmt.Errorf("%w: %v", block.ErrCorrupted, err)
}

// readRecord decodes the framed block at pos. limit is the number of bytes
// that may be read. The returned next offset is valid whenever the frame
// prefix could be read, even if decoding failed.
func readRecord(r io.ReaderAt, pos, limit int64) (*block.Block, int64, error) {
	if limit-pos < block.FrameSize {
		return nil, limit, fmt.Errorf("%w: %d bytes left for frame", block.ErrTruncated, limit-pos)
	}
	var frame [block.FrameSize]byte
	if _, err := r.ReadAt(frame[:], pos); err != nil {
		return nil, limit, pkgerrors.Wrapf(err, "read frame at %d", pos)
	}
	n, _ := block.FrameLen(frame[:])
	next := pos + block.FrameSize + int64(n)
	if next > limit {
		return nil, next, fmt.Errorf("%w: frame of %d bytes at %d exceeds %d", block.ErrTruncated, n, pos, limit)
	}
	if n < block.HeaderSize+block.HashSize || n > maxRecordBytes {
		return nil, next, fmt.Errorf("%w: implausible frame length %d", block.ErrCorrupted, n)
	}
	body := make([]byte, n)
	if _, err := r.ReadAt(body, pos+block.FrameSize); err != nil {
		return nil, next, pkgerrors.Wrapf(err, "read block at %d", pos)
	}
	b, err := block.Decode(body)
	if err != nil {
		return nil, next, err
	}
	return b, next, nil
}

// Append writes b at the end of the file and returns its byte position. b must
// extend the current tip. On failure the file is cut back to its previous size.
func (s *FileStore) Append(b *block.Block) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	closed, pos, tip := s.closed, s.size, s.tip
	s.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if b.ParentHash != tip {
		return 0, fmt.Errorf("%w: got %s, tip %s", ErrParentMismatch, b.ParentHash, tip)
	}
	if size := b.EncodedSize(); size > s.cfg.maxBlockBytes() {
		return 0, fmt.Errorf("%w: %d bytes exceeds limit %d", block.ErrTooLarge, size, s.cfg.maxBlockBytes())
	}

	rec := b.Encode()
	if _, err := s.file.WriteAt(rec, pos); err != nil {
		s.rollback(pos)
		return 0, pkgerrors.Wrapf(err, "write block at %d", pos)
	}
	if s.cfg.Fsync {
		if err := s.file.Sync(); err != nil {
			s.rollback(pos)
			return 0, pkgerrors.Wrap(err, "fsync block")
		}
	}

	s.mu.Lock()
	s.size = pos + int64(len(rec))
	s.positions = append(s.positions, pos)
	s.tip = b.Hash
	s.tipTs = b.TimestampNs
	count := len(s.positions)
	s.mu.Unlock()

	monitoring.SetBlockHeight(uint64(count))
	monitoring.RecordBlockSizeBytes(len(rec))
	return pos, nil
}

func (s *FileStore) rollback(size int64) {
	if err := s.file.Truncate(size); err != nil {
		logx.Error("BLOCKSTORE", "failed to roll back partial write: ", err)
	}
}

// ReadBlockAt decodes the block starting exactly at pos and returns the
// position of the block after it.
func (s *FileStore) ReadBlockAt(pos int64) (*block.Block, int64, error) {
	s.mu.RLock()
	limit, closed := s.size, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, 0, ErrClosed
	}
	if pos < 0 || pos >= limit {
		return nil, 0, fmt.Errorf("position %d outside ledger of %d bytes", pos, limit)
	}
	return readRecord(s.file, pos, limit)
}

// PositionAtOrAfter returns the first block position >= pos.
func (s *FileStore) PositionAtOrAfter(pos int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.positions), func(i int) bool { return s.positions[i] >= pos })
	if i == len(s.positions) {
		return 0, false
	}
	return s.positions[i], true
}

// ContainsPosition reports whether a block starts exactly at pos.
func (s *FileStore) ContainsPosition(pos int64) bool {
	p, ok := s.PositionAtOrAfter(pos)
	return ok && p == pos
}

func (s *FileStore) BlockCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.positions))
}

func (s *FileStore) LatestTimestampNs() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipTs
}

// LatestHash is the hash of the last block, or the genesis sentinel when empty.
func (s *FileStore) LatestHash() block.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// Size is the published file length, which is also the next write position.
func (s *FileStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if uerr := s.unlock(); uerr != nil {
		err = uerr
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
