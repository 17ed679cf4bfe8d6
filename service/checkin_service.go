package service

import (
	"crypto/ed25519"
	"fmt"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type CheckInService struct {
	writer
}

func NewCheckInService(l *ledger.Ledger, p *projection.Projector) *CheckInService {
	return &CheckInService{writer{ledger: l, projector: p}}
}

// Nonce is what a validator signs to check in: the hash of the latest block.
func (s *CheckInService) Nonce() block.Hash {
	return s.ledger.LatestBlockHash()
}

func SignCheckIn(priv ed25519.PrivateKey, nonce block.Hash) []byte {
	return ed25519.Sign(priv, nonce.Bytes())
}

// CheckIn records that a registered provider is alive and eligible for the
// next reward distribution.
func (s *CheckInService) CheckIn(pubKey, signature []byte) error {
	if err := checkPubKey(pubKey); err != nil {
		return err
	}
	principal := types.PrincipalFromPubKey(pubKey)
	if !s.ledger.Contains(types.LabelProviderRegister, pubKey) {
		return fmt.Errorf("%w: provider %s", ErrNotRegistered, principal)
	}
	nonce := s.Nonce()
	if !ed25519.Verify(pubKey, nonce.Bytes(), signature) {
		return fmt.Errorf("%w: check-in of %s over %s", ErrInvalidSignature, principal.Short(), nonce)
	}
	if _, err := s.commit(pendingEntry{label: types.LabelProviderCheckIn, key: pubKey, value: signature}); err != nil {
		return err
	}
	logx.Info("LEDGER", fmt.Sprintf("validator %s checked in at %s", principal.Short(), nonce))
	return nil
}
