package api

import (
	"encoding/hex"
	"sort"

	"github.com/decentcloud/dcledger/block"
	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

type EntryView struct {
	Label            string      `json:"label"`
	Key              string      `json:"key"`
	Value            string      `json:"value"`
	Decoded          interface{} `json:"decoded,omitempty"`
	DecodeError      string      `json:"decode_error,omitempty"`
	BlockHeight      uint64      `json:"block_height"`
	BlockOffset      int64       `json:"block_offset"`
	BlockHash        string      `json:"block_hash"`
	BlockTimestampNs uint64      `json:"block_timestamp_ns"`
}

type EntryPage struct {
	Total   int         `json:"total"`
	Entries []EntryView `json:"entries"`
}

func NewEntryView(me labelindex.MaterializedEntry, decode bool) EntryView {
	v := EntryView{
		Label:            me.Label,
		Key:              hex.EncodeToString(me.Key),
		Value:            hex.EncodeToString(me.Value),
		BlockHeight:      me.BlockHeight,
		BlockOffset:      me.BlockOffset,
		BlockHash:        me.BlockHash.String(),
		BlockTimestampNs: me.BlockTimestampNs,
	}
	if decode && types.IsKnownLabel(me.Label) {
		p, err := types.Decode(me.Label, me.Key, me.Value)
		if err != nil {
			v.DecodeError = err.Error()
		} else {
			v.Decoded = p
		}
	}
	return v
}

type BlockEntryView struct {
	Label string `json:"label"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type BlockView struct {
	Position     int64            `json:"position"`
	NextPosition int64            `json:"next_position"`
	Version      uint32           `json:"version"`
	Hash         string           `json:"hash"`
	ParentHash   string           `json:"parent_hash"`
	TimestampNs  uint64           `json:"timestamp_ns"`
	Entries      []BlockEntryView `json:"entries"`
}

func NewBlockView(b *block.Block, pos, next int64) BlockView {
	v := BlockView{
		Position:     pos,
		NextPosition: next,
		Version:      b.Version,
		Hash:         b.Hash.String(),
		ParentHash:   b.ParentHash.String(),
		TimestampNs:  b.TimestampNs,
		Entries:      make([]BlockEntryView, 0, len(b.Entries)),
	}
	for _, e := range b.Entries {
		v.Entries = append(v.Entries, BlockEntryView{
			Label: e.Label,
			Key:   hex.EncodeToString(e.Key),
			Value: hex.EncodeToString(e.Value),
		})
	}
	return v
}

type StateView struct {
	Stale               bool              `json:"stale"`
	BlockCount          uint64            `json:"block_count"`
	RewardE9sPerBlock   uint64            `json:"reward_e9s_per_block"`
	BlocksUntilHalving  uint64            `json:"blocks_until_halving"`
	PendingPoolE9s      string            `json:"pending_pool_e9s"`
	DistributedE9s      string            `json:"distributed_e9s"`
	Distributions       uint64            `json:"distributions"`
	LastDistributionNs  uint64            `json:"last_distribution_ns"`
	CheckedInValidators []types.Principal `json:"checked_in_validators"`
	Providers           int               `json:"providers"`
	Users               int               `json:"users"`
	OpenContracts       []string          `json:"open_contracts"`
	ClosedContracts     uint64            `json:"closed_contracts"`
	AcceptedContracts   uint64            `json:"accepted_contracts"`
	EntriesFolded       uint64            `json:"entries_folded"`
	MintedE9s           string            `json:"minted_e9s"`
	FeesBurnedE9s       string            `json:"fees_burned_e9s"`
	Transfers           uint64            `json:"transfers"`
	Accounts            int               `json:"accounts"`
}

func NewStateView(st *projection.State, stale bool) StateView {
	open := make([]string, 0, len(st.OpenContracts))
	for id := range st.OpenContracts {
		open = append(open, id)
	}
	sort.Strings(open)
	return StateView{
		Stale:               stale,
		BlockCount:          st.BlockCount,
		RewardE9sPerBlock:   st.RewardE9sPerBlock,
		BlocksUntilHalving:  st.BlocksUntilHalving,
		PendingPoolE9s:      st.PendingPoolE9s.Dec(),
		DistributedE9s:      st.DistributedE9s.Dec(),
		Distributions:       st.Distributions,
		LastDistributionNs:  st.LastDistributionNs,
		CheckedInValidators: st.CheckedInValidators(),
		Providers:           len(st.Providers),
		Users:               len(st.Users),
		OpenContracts:       open,
		ClosedContracts:     st.ClosedContracts,
		AcceptedContracts:   st.AcceptedContracts,
		EntriesFolded:       st.EntriesFolded,
		MintedE9s:           st.MintedE9s.Dec(),
		FeesBurnedE9s:       st.FeesBurnedE9s.Dec(),
		Transfers:           st.Transfers,
		Accounts:            len(st.Balances),
	}
}

type IdentityView struct {
	Principal     types.Principal   `json:"principal"`
	IsProvider    bool              `json:"is_provider"`
	IsUser        bool              `json:"is_user"`
	ReputationE9s uint64            `json:"reputation_e9s"`
	MainIdentity  *types.Principal  `json:"main_identity,omitempty"`
	Alternates    []types.Principal `json:"alternates"`
	BalanceE9s    string            `json:"balance_e9s"`
	UnclaimedE9s  string            `json:"unclaimed_rewards_e9s"`
}
