package service

import (
	"crypto/ed25519"
	"fmt"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type pendingEntry struct {
	label      string
	key, value []byte
}

// writer is shared by the services: it owns no state of its own beyond the
// ledger and the caches derived from it.
type writer struct {
	ledger    *ledger.Ledger
	projector *projection.Projector
}

func (w *writer) commit(entries ...pendingEntry) (*block.Block, error) {
	b, _, err := w.ledger.Commit(func(tx *ledger.Tx) error {
		for _, e := range entries {
			if err := tx.Upsert(e.label, e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	})
	return b, err
}

// fresh returns caches that include every committed block, replaying when
// the incremental fold fell behind.
func (w *writer) fresh() (*projection.State, error) {
	st := w.projector.State()
	if !w.projector.Stale() && st.BlockCount == w.ledger.BlockCount() {
		return st, nil
	}
	if err := w.projector.RefreshCachesFromLedger(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaleCaches, err)
	}
	return w.projector.State(), nil
}

func checkPubKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", ErrInvalidSignature, ed25519.PublicKeySize)
	}
	return nil
}

func reputationEntry(key []byte, changes ...types.ReputationDelta) (pendingEntry, error) {
	raw, err := types.EncodeMsgPack(&types.ReputationChange{Changes: changes})
	if err != nil {
		return pendingEntry{}, err
	}
	return pendingEntry{label: types.LabelReputationChange, key: key, value: raw}, nil
}
