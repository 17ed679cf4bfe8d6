package service

import (
	"crypto/ed25519"
	"fmt"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

// RegistrationReputationE9s is granted to every new identity.
const RegistrationReputationE9s = 1_000_000_000

type RegistrationService struct {
	writer
}

func NewRegistrationService(l *ledger.Ledger, p *projection.Projector) *RegistrationService {
	return &RegistrationService{writer{ledger: l, projector: p}}
}

// SignRegistration produces the self-signature a registration carries.
func SignRegistration(priv ed25519.PrivateKey) []byte {
	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Sign(priv, pub)
}

func (s *RegistrationService) RegisterProvider(pubKey, signature []byte) error {
	return s.register(types.LabelProviderRegister, pubKey, signature)
}

func (s *RegistrationService) RegisterUser(pubKey, signature []byte) error {
	return s.register(types.LabelUserRegister, pubKey, signature)
}

func (s *RegistrationService) register(label string, pubKey, signature []byte) error {
	if err := checkPubKey(pubKey); err != nil {
		return err
	}
	if !ed25519.Verify(pubKey, pubKey, signature) {
		return ErrInvalidSignature
	}
	reg, err := types.NewRegistration(label, pubKey, signature)
	if err != nil {
		return err
	}
	principal := types.PrincipalFromPubKey(pubKey)
	if s.ledger.Contains(label, pubKey) {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, principal)
	}
	bump, err := reputationEntry(append([]byte("register:"), pubKey...),
		types.ReputationDelta{Identity: pubKey, Delta: RegistrationReputationE9s})
	if err != nil {
		return err
	}
	if _, err := s.commit(pendingEntry{label: label, key: reg.PubKey, value: reg.Signature}, bump); err != nil {
		return err
	}
	logx.Info("LEDGER", fmt.Sprintf("registered %s under %s", principal.Short(), label))
	return nil
}

func (s *RegistrationService) IsProvider(pubKey []byte) bool {
	return s.ledger.Contains(types.LabelProviderRegister, pubKey)
}

func (s *RegistrationService) IsUser(pubKey []byte) bool {
	return s.ledger.Contains(types.LabelUserRegister, pubKey)
}
