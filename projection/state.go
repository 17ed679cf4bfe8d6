package projection

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/types"
)

const (
	// MaxReputationIncreaseE9s caps a single positive reputation change.
	MaxReputationIncreaseE9s = 10 * 1_000_000_000
	// MaxReputationAgingLoss caps what one aging step takes from an identity.
	MaxReputationAgingLoss = 100
)

// ErrInvalidLedger reports entries that decode fine but break the rules the
// writers enforce, such as paying out more than the pending pool.
var ErrInvalidLedger = errors.New("ledger content is inconsistent")

// State is everything derived from the log. It is never persisted.
type State struct {
	BlockCount         uint64
	RewardE9sPerBlock  uint64
	BlocksUntilHalving uint64

	PendingPoolE9s     *uint256.Int
	DistributedE9s     *uint256.Int
	LastDistributionNs uint64
	Distributions      uint64
	CheckIns           map[types.Principal]uint64 // since the last distribution, value is the block height
	BlockCheckIns      map[uint64][]types.Principal
	Reputation         map[types.Principal]uint64
	Alternates         map[types.Principal][]types.Principal
	Providers          map[types.Principal][]byte
	Users              map[types.Principal][]byte
	OpenContracts      map[string]*types.ContractSignRequest // hex contract id
	ClosedContracts    uint64
	AcceptedContracts  uint64
	EntriesFolded      uint64

	Balances map[types.Principal]*uint256.Int
	// Allowances is owner -> spender -> what spender may still move.
	Allowances map[types.Principal]map[types.Principal]*uint256.Int
	// UnclaimedRewards are distributed shares not yet minted to a balance.
	UnclaimedRewards map[types.Principal]*uint256.Int
	MintedE9s        *uint256.Int
	FeesBurnedE9s    *uint256.Int
	Transfers        uint64

	// ids of folded transfers, so a signed transfer cannot be replayed
	transferIDs map[string]struct{}
}

func NewState() *State {
	return &State{
		PendingPoolE9s: uint256.NewInt(0),
		DistributedE9s: uint256.NewInt(0),
		CheckIns:       make(map[types.Principal]uint64),
		BlockCheckIns:  make(map[uint64][]types.Principal),
		Reputation:     make(map[types.Principal]uint64),
		Alternates:     make(map[types.Principal][]types.Principal),
		Providers:      make(map[types.Principal][]byte),
		Users:          make(map[types.Principal][]byte),
		OpenContracts:  make(map[string]*types.ContractSignRequest),

		Balances:         make(map[types.Principal]*uint256.Int),
		Allowances:       make(map[types.Principal]map[types.Principal]*uint256.Int),
		UnclaimedRewards: make(map[types.Principal]*uint256.Int),
		MintedE9s:        uint256.NewInt(0),
		FeesBurnedE9s:    uint256.NewInt(0),
		transferIDs:      make(map[string]struct{}),
	}
}

func cloneAmounts(m map[types.Principal]*uint256.Int) map[types.Principal]*uint256.Int {
	out := make(map[types.Principal]*uint256.Int, len(m))
	for k, v := range m {
		out[k] = new(uint256.Int).Set(v)
	}
	return out
}

// Clone returns a deep copy. Byte slices and decoded payloads are shared;
// they are never modified after being folded in.
func (s *State) Clone() *State {
	c := *s
	c.PendingPoolE9s = new(uint256.Int).Set(s.PendingPoolE9s)
	c.DistributedE9s = new(uint256.Int).Set(s.DistributedE9s)
	c.CheckIns = make(map[types.Principal]uint64, len(s.CheckIns))
	for k, v := range s.CheckIns {
		c.CheckIns[k] = v
	}
	c.BlockCheckIns = make(map[uint64][]types.Principal, len(s.BlockCheckIns))
	for k, v := range s.BlockCheckIns {
		c.BlockCheckIns[k] = append([]types.Principal(nil), v...)
	}
	c.Reputation = make(map[types.Principal]uint64, len(s.Reputation))
	for k, v := range s.Reputation {
		c.Reputation[k] = v
	}
	c.Alternates = make(map[types.Principal][]types.Principal, len(s.Alternates))
	for k, v := range s.Alternates {
		c.Alternates[k] = append([]types.Principal(nil), v...)
	}
	c.Providers = make(map[types.Principal][]byte, len(s.Providers))
	for k, v := range s.Providers {
		c.Providers[k] = v
	}
	c.Users = make(map[types.Principal][]byte, len(s.Users))
	for k, v := range s.Users {
		c.Users[k] = v
	}
	c.OpenContracts = make(map[string]*types.ContractSignRequest, len(s.OpenContracts))
	for k, v := range s.OpenContracts {
		c.OpenContracts[k] = v
	}
	c.Balances = cloneAmounts(s.Balances)
	c.UnclaimedRewards = cloneAmounts(s.UnclaimedRewards)
	c.Allowances = make(map[types.Principal]map[types.Principal]*uint256.Int, len(s.Allowances))
	for k, v := range s.Allowances {
		c.Allowances[k] = cloneAmounts(v)
	}
	c.MintedE9s = new(uint256.Int).Set(s.MintedE9s)
	c.FeesBurnedE9s = new(uint256.Int).Set(s.FeesBurnedE9s)
	c.transferIDs = make(map[string]struct{}, len(s.transferIDs))
	for k := range s.transferIDs {
		c.transferIDs[k] = struct{}{}
	}
	return &c
}

// CheckedInValidators lists the validators eligible for the next
// distribution, sorted by principal.
func (s *State) CheckedInValidators() []types.Principal {
	out := make([]types.Principal, 0, len(s.CheckIns))
	for p := range s.CheckIns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// closeBlock accounts for the emission of the block at height once all of
// its entries are folded.
func (s *State) closeBlock(sched *Schedule, height uint64) {
	s.PendingPoolE9s.Add(s.PendingPoolE9s, uint256.NewInt(sched.RewardE9sPerBlock(height)))
	s.BlockCount = height + 1
	s.RewardE9sPerBlock = sched.RewardE9sPerBlock(s.BlockCount)
	s.BlocksUntilHalving = sched.BlocksUntilHalving(s.BlockCount)
}

func (s *State) fold(e labelindex.MaterializedEntry) error {
	payload, err := types.Decode(e.Label, e.Key, e.Value)
	if err != nil {
		return fmt.Errorf("block %d (%s): %w", e.BlockHeight, e.BlockHash, err)
	}
	if err := s.apply(e, payload); err != nil {
		return fmt.Errorf("block %d (%s), label %s: %w", e.BlockHeight, e.BlockHash, e.Label, err)
	}
	s.EntriesFolded++
	return nil
}

func (s *State) apply(e labelindex.MaterializedEntry, payload types.Payload) error {
	switch p := payload.(type) {
	case *types.Registration:
		principal := types.PrincipalFromPubKey(p.PubKey)
		if p.Label() == types.LabelProviderRegister {
			s.Providers[principal] = p.PubKey
		} else {
			s.Users[principal] = p.PubKey
		}

	case *types.CheckIn:
		principal := types.PrincipalFromPubKey(p.PubKey)
		if _, seen := s.CheckIns[principal]; !seen {
			s.BlockCheckIns[e.BlockHeight] = append(s.BlockCheckIns[e.BlockHeight], principal)
		}
		s.CheckIns[principal] = e.BlockHeight

	case *types.RewardDistribution:
		total := p.TotalE9s()
		if total.Gt(s.PendingPoolE9s) {
			return fmt.Errorf("%w: distribution of %s exceeds pool of %s", ErrInvalidLedger, total, s.PendingPoolE9s)
		}
		s.PendingPoolE9s.Sub(s.PendingPoolE9s, total)
		s.DistributedE9s.Add(s.DistributedE9s, total)
		for _, share := range p.Shares {
			addAmount(s.UnclaimedRewards, types.PrincipalFromPubKey(share.PubKey), uint256.NewInt(share.AmountE9s))
		}
		s.LastDistributionNs = p.TimestampNs
		s.Distributions++
		s.CheckIns = make(map[types.Principal]uint64)

	case *types.LinkedIdentity:
		return s.applyLink(p)

	case *types.ContractSignRequest:
		s.OpenContracts[hex.EncodeToString(e.Key)] = p

	case *types.ContractSignReply:
		id := hex.EncodeToString(e.Key)
		if _, ok := s.OpenContracts[id]; !ok {
			return fmt.Errorf("%w: reply to unknown contract %s", ErrInvalidLedger, id)
		}
		delete(s.OpenContracts, id)
		s.ClosedContracts++
		if p.Accepted {
			s.AcceptedContracts++
		}

	case *types.ReputationChange:
		for _, c := range p.Changes {
			s.changeReputation(types.PrincipalFromPubKey(c.Identity), c.Delta)
		}

	case *types.ReputationAge:
		s.ageReputation(p.ReductionPPM)

	case *types.FundsTransfer:
		return s.applyTransfer(e.Key, p)

	case *types.TokenApproval:
		owner := types.PrincipalFromPubKey(p.Owner)
		spender := types.PrincipalFromPubKey(p.Spender)
		if p.AmountE9s == 0 {
			delete(s.Allowances[owner], spender)
			if len(s.Allowances[owner]) == 0 {
				delete(s.Allowances, owner)
			}
			break
		}
		if s.Allowances[owner] == nil {
			s.Allowances[owner] = make(map[types.Principal]*uint256.Int)
		}
		s.Allowances[owner][spender] = uint256.NewInt(p.AmountE9s)

	default:
		return fmt.Errorf("%w: no fold rule for %T", ErrInvalidLedger, payload)
	}
	return nil
}

func (s *State) applyTransfer(id []byte, p *types.FundsTransfer) error {
	if _, dup := s.transferIDs[string(id)]; dup {
		return fmt.Errorf("%w: transfer %x recorded twice", ErrInvalidLedger, id)
	}
	if err := s.moveFunds(p); err != nil {
		return err
	}
	s.transferIDs[string(id)] = struct{}{}
	s.Transfers++
	return nil
}

// moveFunds mints an unclaimed reward share or moves tokens between
// balances. The fee leaves circulation.
func (s *State) moveFunds(p *types.FundsTransfer) error {
	to := types.PrincipalFromPubKey(p.To)
	amount := uint256.NewInt(p.AmountE9s)
	if p.IsMint() {
		if err := subAmount(s.UnclaimedRewards, to, amount); err != nil {
			return fmt.Errorf("%w: mint of %s to %s: %v", ErrInvalidLedger, amount, to.Short(), err)
		}
		s.MintedE9s.Add(s.MintedE9s, amount)
		addAmount(s.Balances, to, amount)
		return nil
	}

	from := types.PrincipalFromPubKey(p.From)
	debit := new(uint256.Int).Add(amount, uint256.NewInt(p.FeeE9s))
	if bal := s.Balances[from]; bal == nil || debit.Gt(bal) {
		return fmt.Errorf("%w: %s cannot pay %s e9s", ErrInvalidLedger, from.Short(), debit)
	}
	if len(p.Spender) > 0 {
		spender := types.PrincipalFromPubKey(p.Spender)
		if err := subAmount(s.Allowances[from], spender, debit); err != nil {
			return fmt.Errorf("%w: %s spending for %s: %v", ErrInvalidLedger, spender.Short(), from.Short(), err)
		}
		if len(s.Allowances[from]) == 0 {
			delete(s.Allowances, from)
		}
	}
	_ = subAmount(s.Balances, from, debit)
	addAmount(s.Balances, to, amount)
	s.FeesBurnedE9s.Add(s.FeesBurnedE9s, uint256.NewInt(p.FeeE9s))
	return nil
}

func addAmount(m map[types.Principal]*uint256.Int, who types.Principal, v *uint256.Int) {
	if cur, ok := m[who]; ok {
		cur.Add(cur, v)
		return
	}
	m[who] = new(uint256.Int).Set(v)
}

// subAmount removes v from m[who] and drops the entry once it reaches zero.
func subAmount(m map[types.Principal]*uint256.Int, who types.Principal, v *uint256.Int) error {
	cur, ok := m[who]
	if !ok || v.Gt(cur) {
		have := uint256.NewInt(0)
		if ok {
			have = cur
		}
		return fmt.Errorf("needs %s, has %s", v, have)
	}
	cur.Sub(cur, v)
	if cur.IsZero() {
		delete(m, who)
	}
	return nil
}

func (s *State) applyLink(p *types.LinkedIdentity) error {
	main := types.PrincipalFromPubKey(p.Main)
	alt := types.PrincipalFromPubKey(p.Alternate)
	if main == alt {
		return fmt.Errorf("%w: identity %s linked to itself", ErrInvalidLedger, main.Short())
	}
	alts := s.Alternates[main]
	idx := -1
	for i, a := range alts {
		if a == alt {
			idx = i
			break
		}
	}
	switch p.Op {
	case types.LinkAdd:
		if idx >= 0 {
			return nil
		}
		if len(alts) >= types.MaxAlternateIdentities {
			return fmt.Errorf("%w: %s already has %d alternates", ErrInvalidLedger, main.Short(), len(alts))
		}
		s.Alternates[main] = append(alts, alt)
	case types.LinkRemove:
		if idx < 0 {
			return nil
		}
		alts = append(alts[:idx:idx], alts[idx+1:]...)
		if len(alts) == 0 {
			delete(s.Alternates, main)
		} else {
			s.Alternates[main] = alts
		}
	}
	return nil
}

func (s *State) changeReputation(who types.Principal, delta int64) {
	if delta > MaxReputationIncreaseE9s {
		delta = MaxReputationIncreaseE9s
	}
	cur := s.Reputation[who]
	switch {
	case delta >= 0:
		cur += uint64(delta)
	case uint64(-delta) >= cur:
		cur = 0
	default:
		cur -= uint64(-delta)
	}
	if cur == 0 {
		delete(s.Reputation, who)
		return
	}
	s.Reputation[who] = cur
}

func (s *State) ageReputation(ppm uint64) {
	million := uint256.NewInt(1_000_000)
	for who, rep := range s.Reputation {
		loss := new(uint256.Int).Mul(uint256.NewInt(rep), uint256.NewInt(ppm))
		loss.Div(loss, million)
		l := uint64(MaxReputationAgingLoss)
		if loss.IsUint64() && loss.Uint64() < l {
			l = loss.Uint64()
		}
		if l >= rep {
			delete(s.Reputation, who)
			continue
		}
		s.Reputation[who] = rep - l
	}
}
