package service

import (
	"crypto/ed25519"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

// TransferService moves tokens between identities and manages allowances.
type TransferService struct {
	writer
	clock ledger.Clock
}

func NewTransferService(l *ledger.Ledger, p *projection.Projector, clock ledger.Clock) *TransferService {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &TransferService{writer: writer{ledger: l, projector: p}, clock: clock}
}

func (s *TransferService) Balance(pub ed25519.PublicKey) *uint256.Int {
	return s.projector.Balance(types.PrincipalFromPubKey(pub))
}

func (s *TransferService) Allowance(owner, spender ed25519.PublicKey) *uint256.Int {
	return s.projector.Allowance(types.PrincipalFromPubKey(owner), types.PrincipalFromPubKey(spender))
}

// Transfer sends amountE9s from the owner of priv to to. The fee is burned.
func (s *TransferService) Transfer(priv ed25519.PrivateKey, to ed25519.PublicKey, amountE9s, feeE9s uint64, memo string) (*types.FundsTransfer, error) {
	t := &types.FundsTransfer{
		From:        priv.Public().(ed25519.PublicKey),
		To:          to,
		AmountE9s:   amountE9s,
		FeeE9s:      feeE9s,
		TimestampNs: s.clock.NowNs(),
		Memo:        memo,
	}
	if err := s.submit(priv, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TransferFrom spends an allowance owner granted to the holder of spender.
func (s *TransferService) TransferFrom(spender ed25519.PrivateKey, owner, to ed25519.PublicKey, amountE9s, feeE9s uint64, memo string) (*types.FundsTransfer, error) {
	t := &types.FundsTransfer{
		From:        owner,
		To:          to,
		Spender:     spender.Public().(ed25519.PublicKey),
		AmountE9s:   amountE9s,
		FeeE9s:      feeE9s,
		TimestampNs: s.clock.NowNs(),
		Memo:        memo,
	}
	if err := s.submit(spender, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *TransferService) submit(priv ed25519.PrivateKey, t *types.FundsTransfer) error {
	if err := t.Sign(priv); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	from := types.PrincipalFromPubKey(t.From)
	debit := new(uint256.Int).Add(uint256.NewInt(t.AmountE9s), uint256.NewInt(t.FeeE9s))

	_, _, err := s.ledger.Commit(func(tx *ledger.Tx) error {
		st, err := s.fresh()
		if err != nil {
			return err
		}
		if bal, ok := st.Balances[from]; !ok || debit.Gt(bal) {
			return fmt.Errorf("%w: %s needs %s e9s", ErrInsufficientFunds, from.Short(), debit)
		}
		if len(t.Spender) > 0 {
			spender := types.PrincipalFromPubKey(t.Spender)
			if a, ok := st.Allowances[from][spender]; !ok || debit.Gt(a) {
				return fmt.Errorf("%w: %s for %s needs %s e9s", ErrInsufficientAllowance, spender.Short(), from.Short(), debit)
			}
		}
		return upsertTransfer(tx, t)
	})
	if err != nil {
		return err
	}
	logx.Info("LEDGER", fmt.Sprintf("transferred %d e9s from %s to %s, fee %d",
		t.AmountE9s, from.Short(), types.PrincipalFromPubKey(t.To).Short(), t.FeeE9s))
	return nil
}

// Approve sets what spender may move out of the owner's balance. Zero
// revokes the allowance.
func (s *TransferService) Approve(owner ed25519.PrivateKey, spender ed25519.PublicKey, amountE9s uint64) (*types.TokenApproval, error) {
	a := &types.TokenApproval{
		Owner:       owner.Public().(ed25519.PublicKey),
		Spender:     spender,
		AmountE9s:   amountE9s,
		TimestampNs: s.clock.NowNs(),
	}
	if err := a.Sign(owner); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	raw, err := types.EncodeMsgPack(a)
	if err != nil {
		return nil, err
	}
	if _, err := s.commit(pendingEntry{label: types.LabelTokenApproval, key: a.Key(), value: raw}); err != nil {
		return nil, err
	}
	return a, nil
}

func upsertTransfer(tx *ledger.Tx, t *types.FundsTransfer) error {
	id, err := t.ID()
	if err != nil {
		return err
	}
	if _, err := tx.Get(types.LabelTokenTransfer, id); err == nil {
		return fmt.Errorf("%w: %x", ErrDuplicateTransfer, id)
	}
	raw, err := types.EncodeMsgPack(t)
	if err != nil {
		return err
	}
	return tx.Upsert(types.LabelTokenTransfer, id, raw)
}
