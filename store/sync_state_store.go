package store

import (
	"encoding/binary"
	"fmt"

	"github.com/decentcloud/dcledger/db"
	"github.com/decentcloud/dcledger/logx"
)

// SyncStateStore persists where the syncer stopped reading the upstream
// ledger. Keys:
// - PrefixSyncMeta + SyncMetaKeyCursor => 8-byte big-endian position
// - PrefixSyncMeta + SyncMetaKeyUpstream => upstream address
type SyncStateStore struct {
	provider db.DatabaseProvider
}

func NewSyncStateStore(provider db.DatabaseProvider) *SyncStateStore {
	return &SyncStateStore{provider: provider}
}

func syncMetaKey(name string) []byte {
	return []byte(PrefixSyncMeta + name)
}

func (s *SyncStateStore) LoadCursor() (int64, error) {
	v, err := s.getUint64(SyncMetaKeyCursor)
	return int64(v), err
}

func (s *SyncStateStore) SaveCursor(position int64) error {
	return s.putUint64(SyncMetaKeyCursor, uint64(position))
}

// BindUpstream remembers which upstream the cursor belongs to. Positions are
// only meaningful within one upstream file, so switching upstream restarts
// from the beginning; blocks already present locally are skipped as
// duplicates.
func (s *SyncStateStore) BindUpstream(addr string) error {
	prev, err := s.provider.Get(syncMetaKey(SyncMetaKeyUpstream))
	if err != nil {
		return fmt.Errorf("failed to load upstream: %w", err)
	}
	if string(prev) == addr {
		return nil
	}
	if prev != nil {
		logx.Warn("SYNC_STATE", fmt.Sprintf("upstream changed from %s to %s, resetting cursor", prev, addr))
	}
	return db.WithBatch(s.provider, func(batch db.DatabaseBatch) error {
		batch.Put(syncMetaKey(SyncMetaKeyUpstream), []byte(addr))
		batch.Put(syncMetaKey(SyncMetaKeyCursor), encodeUint64(0))
		return nil
	})
}

func (s *SyncStateStore) Upstream() (string, error) {
	v, err := s.provider.Get(syncMetaKey(SyncMetaKeyUpstream))
	return string(v), err
}

// MarkRound records when the last successful sync round finished.
func (s *SyncStateStore) MarkRound(nowNs uint64) error {
	return s.putUint64(SyncMetaKeyLastRoundNs, nowNs)
}

func (s *SyncStateStore) LastRoundNs() (uint64, error) {
	return s.getUint64(SyncMetaKeyLastRoundNs)
}

func (s *SyncStateStore) Close() error {
	return s.provider.Close()
}

func (s *SyncStateStore) getUint64(name string) (uint64, error) {
	value, err := s.provider.Get(syncMetaKey(name))
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", name, err)
	}
	if len(value) == 0 {
		return 0, nil
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("invalid %s length: %d", name, len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *SyncStateStore) putUint64(name string, v uint64) error {
	if err := s.provider.Put(syncMetaKey(name), encodeUint64(v)); err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
