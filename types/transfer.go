package types

import (
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// FundsTransfer moves tokens between identities. A transfer without From is
// a mint that pays out a reward share; it carries no fee and no signature.
// When Spender is set the transfer spends an allowance From granted to it and
// Spender signs instead of From.
type FundsTransfer struct {
	From        []byte
	To          []byte
	Spender     []byte
	AmountE9s   uint64
	FeeE9s      uint64
	TimestampNs uint64
	Memo        string
	Signature   []byte
}

func (*FundsTransfer) Label() string { return LabelTokenTransfer }

func (t *FundsTransfer) IsMint() bool { return len(t.From) == 0 }

// Signer is the key whose signature authorizes the transfer.
func (t *FundsTransfer) Signer() []byte {
	if len(t.Spender) > 0 {
		return t.Spender
	}
	return t.From
}

func (t *FundsTransfer) Validate() error {
	if len(t.To) != PubKeySize {
		return errors.Wrap(ErrSerialization, "transfer recipient must be a public key")
	}
	if t.AmountE9s == 0 {
		return errors.Wrap(ErrSerialization, "transfer of zero tokens")
	}
	if len(t.Memo) > MaxTransferMemoBytes {
		return errors.Wrapf(ErrSerialization, "memo of %d bytes exceeds %d", len(t.Memo), MaxTransferMemoBytes)
	}
	if t.IsMint() {
		if len(t.Spender) > 0 || len(t.Signature) > 0 || t.FeeE9s > 0 {
			return errors.Wrap(ErrSerialization, "mint with spender, fee or signature")
		}
		return nil
	}
	if len(t.From) != PubKeySize || (len(t.Spender) > 0 && len(t.Spender) != PubKeySize) {
		return errors.Wrap(ErrSerialization, "transfer parties must be public keys")
	}
	if string(t.From) == string(t.To) {
		return errors.Wrap(ErrSerialization, "transfer to the sending identity")
	}
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	if len(t.Signature) != SignatureSize || !ed25519.Verify(t.Signer(), msg, t.Signature) {
		return errors.Wrap(ErrSerialization, "transfer signature does not verify")
	}
	return nil
}

// SigningBytes is the canonical encoding of the transfer without its signature.
func (t *FundsTransfer) SigningBytes() ([]byte, error) {
	unsigned := *t
	unsigned.Signature = nil
	return EncodeMsgPack(&unsigned)
}

func (t *FundsTransfer) Sign(priv ed25519.PrivateKey) error {
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	t.Signature = ed25519.Sign(priv, msg)
	return nil
}

// ID is the key a transfer is stored under: the hash of its encoding.
func (t *FundsTransfer) ID() ([]byte, error) {
	raw, err := EncodeMsgPack(t)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// TokenApproval lets Spender move up to AmountE9s of Owner's tokens. A later
// approval for the same pair replaces the remaining allowance; zero revokes it.
type TokenApproval struct {
	Owner       []byte
	Spender     []byte
	AmountE9s   uint64
	TimestampNs uint64
	Signature   []byte
}

func (*TokenApproval) Label() string { return LabelTokenApproval }

func (a *TokenApproval) Key() []byte {
	return append(append([]byte(nil), a.Owner...), a.Spender...)
}

func (a *TokenApproval) Validate() error {
	if len(a.Owner) != PubKeySize || len(a.Spender) != PubKeySize {
		return errors.Wrap(ErrSerialization, "approval parties must be public keys")
	}
	if string(a.Owner) == string(a.Spender) {
		return errors.Wrap(ErrSerialization, "approval of the owner itself")
	}
	msg, err := a.SigningBytes()
	if err != nil {
		return err
	}
	if len(a.Signature) != SignatureSize || !ed25519.Verify(a.Owner, msg, a.Signature) {
		return errors.Wrap(ErrSerialization, "approval signature does not verify")
	}
	return nil
}

func (a *TokenApproval) SigningBytes() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = nil
	return EncodeMsgPack(&unsigned)
}

func (a *TokenApproval) Sign(priv ed25519.PrivateKey) error {
	msg, err := a.SigningBytes()
	if err != nil {
		return err
	}
	a.Signature = ed25519.Sign(priv, msg)
	return nil
}
