package service

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type IdentityService struct {
	writer
	clock ledger.Clock
}

func NewIdentityService(l *ledger.Ledger, p *projection.Projector, clock ledger.Clock) *IdentityService {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &IdentityService{writer: writer{ledger: l, projector: p}, clock: clock}
}

// SignLink is the main identity's consent to link or unlink alternate.
func SignLink(priv ed25519.PrivateKey, op types.LinkOp, alternate []byte) []byte {
	return ed25519.Sign(priv, linkMessage(op, alternate))
}

func linkMessage(op types.LinkOp, alternate []byte) []byte {
	return append([]byte(op.String()+":"), alternate...)
}

func (s *IdentityService) Link(main, alternate, signature []byte) error {
	return s.change(types.LinkAdd, main, alternate, signature)
}

func (s *IdentityService) Unlink(main, alternate, signature []byte) error {
	return s.change(types.LinkRemove, main, alternate, signature)
}

func (s *IdentityService) change(op types.LinkOp, main, alternate, signature []byte) error {
	if err := checkPubKey(main); err != nil {
		return err
	}
	if err := checkPubKey(alternate); err != nil {
		return err
	}
	if bytes.Equal(main, alternate) {
		return ErrSelfLink
	}
	if !ed25519.Verify(main, linkMessage(op, alternate), signature) {
		return ErrInvalidSignature
	}

	st, err := s.fresh()
	if err != nil {
		return err
	}
	mainP, altP := types.PrincipalFromPubKey(main), types.PrincipalFromPubKey(alternate)
	linked := false
	for _, a := range st.Alternates[mainP] {
		if a == altP {
			linked = true
			break
		}
	}
	switch {
	case op == types.LinkAdd && linked:
		return fmt.Errorf("%w: %s -> %s", ErrAlreadyLinked, mainP.Short(), altP.Short())
	case op == types.LinkAdd && len(st.Alternates[mainP]) >= types.MaxAlternateIdentities:
		return fmt.Errorf("%w: %s has %d", ErrTooManyAlternates, mainP.Short(), len(st.Alternates[mainP]))
	case op == types.LinkRemove && !linked:
		return fmt.Errorf("%w: %s -> %s", ErrNotLinked, mainP.Short(), altP.Short())
	}

	raw, err := types.EncodeMsgPack(&types.LinkedIdentity{
		Op:          op,
		Main:        main,
		Alternate:   alternate,
		TimestampNs: s.clock.NowNs(),
	})
	if err != nil {
		return err
	}
	if _, err := s.commit(pendingEntry{label: types.LabelLinkedIdentity, key: main, value: raw}); err != nil {
		return err
	}
	logx.Info("LEDGER", fmt.Sprintf("identity %s: %s alternate %s", mainP.Short(), op, altP.Short()))
	return nil
}

func (s *IdentityService) Alternates(main []byte) []types.Principal {
	return s.projector.Alternates(types.PrincipalFromPubKey(main))
}
