package service

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type ReputationService struct {
	writer
	clock ledger.Clock
}

func NewReputationService(l *ledger.Ledger, p *projection.Projector, clock ledger.Clock) *ReputationService {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &ReputationService{writer: writer{ledger: l, projector: p}, clock: clock}
}

// Change records reputation deltas. Increases above the per-change cap are
// clamped when folded, not here, so the log keeps what was asked for.
func (s *ReputationService) Change(changes ...types.ReputationDelta) error {
	raw, err := types.EncodeMsgPack(&types.ReputationChange{Changes: changes})
	if err != nil {
		return err
	}
	if err := (&types.ReputationChange{Changes: changes}).Validate(); err != nil {
		return err
	}
	key := sha256.Sum256(append(raw, s.timestampKey()...))
	if _, err := s.commit(pendingEntry{label: types.LabelReputationChange, key: key[:], value: raw}); err != nil {
		return err
	}
	logx.Debug("LEDGER", fmt.Sprintf("recorded %d reputation changes", len(changes)))
	return nil
}

// Age shrinks every reputation by reductionPPM parts per million.
func (s *ReputationService) Age(reductionPPM uint64) error {
	ts := s.clock.NowNs()
	age := &types.ReputationAge{ReductionPPM: reductionPPM, TimestampNs: ts}
	if err := age.Validate(); err != nil {
		return err
	}
	raw, err := types.EncodeMsgPack(age)
	if err != nil {
		return err
	}
	_, err = s.commit(pendingEntry{label: types.LabelReputationAge, key: s.timestampKey(), value: raw})
	return err
}

func (s *ReputationService) Reputation(pubKey []byte) uint64 {
	return s.projector.Reputation(types.PrincipalFromPubKey(pubKey))
}

func (s *ReputationService) timestampKey() []byte {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], s.clock.NowNs())
	return key[:]
}
