package service

import (
	"encoding/hex"
	"fmt"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type ContractService struct {
	writer
	clock ledger.Clock
}

func NewContractService(l *ledger.Ledger, p *projection.Projector, clock ledger.Clock) *ContractService {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &ContractService{writer: writer{ledger: l, projector: p}, clock: clock}
}

// Request opens a contract between a registered user and a registered
// provider and returns its id.
func (s *ContractService) Request(req *types.ContractSignRequest) ([]byte, error) {
	if req.RequestedAtNs == 0 {
		req.RequestedAtNs = s.clock.NowNs()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !s.ledger.Contains(types.LabelUserRegister, req.Requester) {
		return nil, fmt.Errorf("%w: user %s", ErrNotRegistered, types.PrincipalFromPubKey(req.Requester))
	}
	if !s.ledger.Contains(types.LabelProviderRegister, req.Provider) {
		return nil, fmt.Errorf("%w: provider %s", ErrNotRegistered, types.PrincipalFromPubKey(req.Provider))
	}
	id, err := req.ContractID()
	if err != nil {
		return nil, err
	}
	raw, err := types.EncodeMsgPack(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.commit(pendingEntry{label: types.LabelContractSignReq, key: id, value: raw}); err != nil {
		return nil, err
	}
	logx.Info("LEDGER", fmt.Sprintf("contract %x requested for offering %s", id[:8], req.OfferingID))
	return id, nil
}

// Reply closes an open contract on behalf of its provider.
func (s *ContractService) Reply(id []byte, accepted bool, memo string) error {
	st, err := s.fresh()
	if err != nil {
		return err
	}
	req, ok := st.OpenContracts[hex.EncodeToString(id)]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownContract, id)
	}
	raw, err := types.EncodeMsgPack(&types.ContractSignReply{
		Provider:    req.Provider,
		Accepted:    accepted,
		Memo:        memo,
		RepliedAtNs: s.clock.NowNs(),
	})
	if err != nil {
		return err
	}
	_, err = s.commit(pendingEntry{label: types.LabelContractSignReply, key: id, value: raw})
	return err
}

func (s *ContractService) Open(id []byte) (*types.ContractSignRequest, bool) {
	return s.projector.OpenContract(hex.EncodeToString(id))
}
