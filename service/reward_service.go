package service

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type RewardService struct {
	writer
	clock ledger.Clock

	// one distribution at a time, so two cannot pay out the same pool
	mu sync.Mutex
}

func NewRewardService(l *ledger.Ledger, p *projection.Projector, clock ledger.Clock) *RewardService {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &RewardService{writer: writer{ledger: l, projector: p}, clock: clock}
}

// PlanDistribution splits pool equally among validators. The integer
// remainder is not paid and stays in the pool.
func PlanDistribution(pool *uint256.Int, validators [][]byte) ([]types.RewardShare, *uint256.Int) {
	if len(validators) == 0 || pool.IsZero() {
		return nil, new(uint256.Int).Set(pool)
	}
	each := new(uint256.Int).Div(pool, uint256.NewInt(uint64(len(validators))))
	if each.IsZero() || !each.IsUint64() {
		return nil, new(uint256.Int).Set(pool)
	}
	shares := make([]types.RewardShare, 0, len(validators))
	paid := new(uint256.Int)
	for _, v := range validators {
		shares = append(shares, types.RewardShare{PubKey: v, AmountE9s: each.Uint64()})
		paid.Add(paid, each)
	}
	return shares, new(uint256.Int).Sub(pool, paid)
}

// DistributeRewards pays the pending pool to every validator that checked in
// since the previous distribution. The payout and one mint per share land in
// the same block.
func (s *RewardService) DistributeRewards() (*types.RewardDistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		dist      *types.RewardDistribution
		remainder *uint256.Int
	)
	_, _, err := s.ledger.Commit(func(tx *ledger.Tx) error {
		// no other block can land while this one is open, so the check-ins
		// read here are exactly the ones the distribution clears
		st, err := s.fresh()
		if err != nil {
			return err
		}
		dist, remainder, err = s.plan(st)
		if err != nil {
			return err
		}
		raw, err := types.EncodeMsgPack(dist)
		if err != nil {
			return err
		}
		if err := tx.Upsert(types.LabelRewardDistribution, types.KeyLastRewardDistribution, raw); err != nil {
			return err
		}
		for _, share := range dist.Shares {
			mint := &types.FundsTransfer{
				To:          share.PubKey,
				AmountE9s:   share.AmountE9s,
				TimestampNs: dist.TimestampNs,
				Memo:        fmt.Sprintf("reward at block %d", dist.BlockHeight),
			}
			if err := upsertTransfer(tx, mint); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logx.Info("LEDGER", fmt.Sprintf("distributed %s e9s to %d validators, %s e9s stay pending",
		dist.TotalE9s(), len(dist.Shares), remainder))
	return dist, nil
}

func (s *RewardService) plan(st *projection.State) (*types.RewardDistribution, *uint256.Int, error) {
	principals := st.CheckedInValidators()
	if len(principals) == 0 {
		return nil, nil, ErrNoCheckedInValidators
	}
	keys := make([][]byte, 0, len(principals))
	for _, p := range principals {
		pub, err := p.PubKey()
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, pub)
	}
	shares, remainder := PlanDistribution(st.PendingPoolE9s, keys)
	if len(shares) == 0 {
		return nil, nil, fmt.Errorf("%w: %s e9s for %d validators", ErrNothingToDistribute, st.PendingPoolE9s, len(keys))
	}
	return &types.RewardDistribution{
		TimestampNs: s.clock.NowNs(),
		BlockHeight: st.BlockCount,
		Shares:      shares,
	}, remainder, nil
}

// LastDistribution returns the most recent payout, if any.
func (s *RewardService) LastDistribution() (*types.RewardDistribution, error) {
	raw, err := s.ledger.Get(types.LabelRewardDistribution, types.KeyLastRewardDistribution)
	if err != nil {
		return nil, err
	}
	p, err := types.Decode(types.LabelRewardDistribution, types.KeyLastRewardDistribution, raw)
	if err != nil {
		return nil, err
	}
	return p.(*types.RewardDistribution), nil
}
