package projection

import (
	"bytes"
	"errors"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentcloud/dcledger/labelindex"
	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/types"
)

func init() {
	logx.SetOutput(io.Discard)
}

func pub(b byte) []byte { return bytes.Repeat([]byte{b}, types.PubKeySize) }

func sig(b byte) []byte { return bytes.Repeat([]byte{b}, types.SignatureSize) }

type entry struct {
	label      string
	key, value []byte
}

func msgpack(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := types.EncodeMsgPack(v)
	require.NoError(t, err)
	return raw
}

func openLedger(t *testing.T, sched *Schedule) (*ledger.Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.bin")
	sched.SetTimestampOverride(1_000)
	l, err := ledger.Open(path, ledger.Config{}, sched)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func commit(t *testing.T, l *ledger.Ledger, entries ...entry) {
	t.Helper()
	_, _, err := l.Commit(func(tx *ledger.Tx) error {
		for _, e := range entries {
			if err := tx.Upsert(e.label, e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestScheduleHalves(t *testing.T) {
	s := NewSchedule(ScheduleConfig{HalvingInterval: 2, InitialRewardE9s: 100})
	assert.Equal(t, []uint64{100, 100, 50, 50, 25}, []uint64{
		s.RewardE9sPerBlock(0), s.RewardE9sPerBlock(1), s.RewardE9sPerBlock(2),
		s.RewardE9sPerBlock(3), s.RewardE9sPerBlock(4),
	})
	assert.Equal(t, uint64(2), s.BlocksUntilHalving(0))
	assert.Equal(t, uint64(1), s.BlocksUntilHalving(1))
	assert.Equal(t, uint64(2), s.BlocksUntilHalving(2))
	assert.Equal(t, uint64(0), s.RewardE9sPerBlock(2*64))

	def := NewSchedule(ScheduleConfig{})
	assert.Equal(t, uint64(DefaultInitialRewardE9s), def.RewardE9sPerBlock(0))
	assert.Equal(t, uint64(DefaultHalvingInterval), def.HalvingInterval())
}

func TestTimestampOverride(t *testing.T) {
	s := NewSchedule(ScheduleConfig{})
	s.SetTimestampOverride(42)
	assert.Equal(t, uint64(42), s.NowNs())
	s.SetTimestampOverride(0)
	assert.Greater(t, s.NowNs(), uint64(42))
}

func TestTwoRegistrationsMoveHalvingCounterByTwo(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{})
	l, _ := openLedger(t, sched)
	p := New(l, sched)
	require.NoError(t, p.RefreshCachesFromLedger())
	before := p.BlocksUntilHalving()

	commit(t, l, entry{types.LabelProviderRegister, pub(1), sig(1)})
	commit(t, l, entry{types.LabelProviderRegister, pub(2), sig(2)})
	require.NoError(t, p.RefreshCachesFromLedger())

	assert.Equal(t, uint64(2), l.BlockCount())
	assert.Equal(t, before-2, p.BlocksUntilHalving())
	assert.True(t, p.IsProvider(types.PrincipalFromPubKey(pub(1))))
	assert.True(t, p.IsProvider(types.PrincipalFromPubKey(pub(2))))
	assert.Equal(t, uint64(2*DefaultInitialRewardE9s), p.PendingPoolE9s().Uint64())
}

// buildHistory writes a ledger touching every label.
func buildHistory(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	req := &types.ContractSignRequest{Requester: pub(9), Provider: pub(1), OfferingID: "vm-small", PaymentE9s: 5}
	contractID, err := req.ContractID()
	require.NoError(t, err)

	commit(t, l,
		entry{types.LabelProviderRegister, pub(1), sig(1)},
		entry{types.LabelProviderRegister, pub(2), sig(2)},
		entry{types.LabelUserRegister, pub(9), sig(9)},
	)
	commit(t, l,
		entry{types.LabelProviderCheckIn, pub(2), sig(3)},
		entry{types.LabelProviderCheckIn, pub(1), sig(4)},
		entry{types.LabelReputationChange, []byte("rc-1"), msgpack(t, &types.ReputationChange{Changes: []types.ReputationDelta{
			{Identity: pub(1), Delta: 50_000_000_000},
			{Identity: pub(2), Delta: 500},
		}})},
	)
	commit(t, l,
		entry{types.LabelRewardDistribution, types.KeyLastRewardDistribution, msgpack(t, &types.RewardDistribution{
			TimestampNs: 1_000,
			BlockHeight: 2,
			Shares:      []types.RewardShare{{PubKey: pub(1), AmountE9s: 30}, {PubKey: pub(2), AmountE9s: 30}},
		})},
		entry{types.LabelLinkedIdentity, pub(1), msgpack(t, &types.LinkedIdentity{Op: types.LinkAdd, Main: pub(1), Alternate: pub(5)})},
		entry{types.LabelContractSignReq, contractID, msgpack(t, req)},
	)
	commit(t, l,
		entry{types.LabelReputationAge, []byte("age-1"), msgpack(t, &types.ReputationAge{ReductionPPM: 100_000})},
		entry{types.LabelProviderCheckIn, pub(2), sig(5)},
		entry{types.LabelLinkedIdentity, pub(1), msgpack(t, &types.LinkedIdentity{Op: types.LinkAdd, Main: pub(1), Alternate: pub(6)})},
	)
	commit(t, l,
		entry{types.LabelLinkedIdentity, pub(1), msgpack(t, &types.LinkedIdentity{Op: types.LinkRemove, Main: pub(1), Alternate: pub(5)})},
		entry{types.LabelContractSignReply, contractID, msgpack(t, &types.ContractSignReply{Provider: pub(1), Accepted: true})},
	)
}

func TestReplayFoldsEveryLabel(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{HalvingInterval: 2, InitialRewardE9s: 100})
	l, _ := openLedger(t, sched)
	buildHistory(t, l)

	st, err := Replay(l, sched)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), st.BlockCount)
	// 100 + 100 + 50 + 50 + 25 emitted, 60 paid out in block 2 before its own reward
	assert.Equal(t, uint64(265), st.PendingPoolE9s.Uint64())
	assert.Equal(t, uint64(60), st.DistributedE9s.Uint64())
	assert.Equal(t, uint64(1), st.Distributions)
	assert.Equal(t, uint64(25), st.RewardE9sPerBlock)
	assert.Equal(t, uint64(1), st.BlocksUntilHalving)

	p1, p2 := types.PrincipalFromPubKey(pub(1)), types.PrincipalFromPubKey(pub(2))
	assert.Equal(t, []types.Principal{p2}, st.CheckedInValidators(), "check-ins reset by the distribution")
	assert.ElementsMatch(t, []types.Principal{p2, p1}, st.BlockCheckIns[1])

	// capped at 10e9, then aged by min(10%, 100)
	assert.Equal(t, uint64(MaxReputationIncreaseE9s-100), st.Reputation[p1])
	assert.Equal(t, uint64(450), st.Reputation[p2])

	assert.Equal(t, []types.Principal{types.PrincipalFromPubKey(pub(6))}, st.Alternates[p1])
	assert.Len(t, st.Providers, 2)
	assert.Len(t, st.Users, 1)
	assert.Empty(t, st.OpenContracts)
	assert.Equal(t, uint64(1), st.AcceptedContracts)
	assert.Equal(t, uint64(1_000), st.LastDistributionNs)
}

func TestReplayIsDeterministic(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{HalvingInterval: 3, InitialRewardE9s: 1_000})
	l, path := openLedger(t, sched)

	p := New(l, sched)
	p.Attach()
	buildHistory(t, l)
	incremental := p.State()

	first, err := Replay(l, sched)
	require.NoError(t, err)
	second, err := Replay(l, sched)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first, incremental, "incremental folding matches a cold replay")

	require.NoError(t, l.Close())
	reopened, err := ledger.Open(path, ledger.Config{}, sched)
	require.NoError(t, err)
	defer reopened.Close()
	cold, err := Replay(reopened, sched)
	require.NoError(t, err)
	assert.Equal(t, first, cold)
}

func TestUndecodableEntryAbortsReplay(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{})
	l, _ := openLedger(t, sched)
	p := New(l, sched)

	commit(t, l, entry{types.LabelProviderRegister, pub(1), sig(1)})
	require.NoError(t, p.RefreshCachesFromLedger())
	before := p.State()

	commit(t, l, entry{types.LabelReputationAge, []byte("k"), []byte("not msgpack")})
	err := p.RefreshCachesFromLedger()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrSerialization))
	assert.Equal(t, before, p.State(), "failed replay keeps previous caches")

	commit(t, l, entry{"SomethingNew", []byte("k"), []byte("v")})
	err = p.RefreshCachesFromLedger()
	assert.True(t, errors.Is(err, ledger.ErrSerialization))
}

func TestIncrementalFoldGoesStaleOnBadEntry(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{})
	l, _ := openLedger(t, sched)
	p := New(l, sched)
	require.NoError(t, p.RefreshCachesFromLedger())
	p.Attach()

	commit(t, l, entry{types.LabelProviderRegister, pub(1), sig(1)})
	assert.False(t, p.Stale())
	assert.Equal(t, uint64(1), p.State().BlockCount)

	commit(t, l, entry{types.LabelProviderRegister, pub(2), []byte("short")})
	assert.True(t, p.Stale())
	assert.Equal(t, uint64(1), p.State().BlockCount)
}

func TestDistributionBeyondPoolIsRejected(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{InitialRewardE9s: 10})
	l, _ := openLedger(t, sched)
	commit(t, l, entry{types.LabelRewardDistribution, types.KeyLastRewardDistribution, msgpack(t, &types.RewardDistribution{
		Shares: []types.RewardShare{{PubKey: pub(1), AmountE9s: 1}},
	})})

	_, err := Replay(l, sched)
	assert.True(t, errors.Is(err, ErrInvalidLedger))
}

func TestDistributionTotalMustFit64Bits(t *testing.T) {
	sched := NewSchedule(ScheduleConfig{InitialRewardE9s: 10})
	l, _ := openLedger(t, sched)
	// the two shares wrap to zero in 64-bit arithmetic
	commit(t, l, entry{types.LabelRewardDistribution, types.KeyLastRewardDistribution, msgpack(t, &types.RewardDistribution{
		Shares: []types.RewardShare{
			{PubKey: pub(1), AmountE9s: math.MaxUint64},
			{PubKey: pub(2), AmountE9s: 1},
		},
	})})

	_, err := Replay(l, sched)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrSerialization))
}

func seeded(who types.Principal, balance uint64) *State {
	st := NewState()
	st.Balances[who] = uint256.NewInt(balance)
	return st
}

func TestMintConsumesUnclaimedRewards(t *testing.T) {
	st := NewState()
	who := types.PrincipalFromPubKey(pub(1))
	st.UnclaimedRewards[who] = uint256.NewInt(100)

	require.NoError(t, st.applyTransfer([]byte("a"), &types.FundsTransfer{To: pub(1), AmountE9s: 60}))
	assert.Equal(t, uint64(60), st.Balances[who].Uint64())
	assert.Equal(t, uint64(40), st.UnclaimedRewards[who].Uint64())

	err := st.applyTransfer([]byte("b"), &types.FundsTransfer{To: pub(1), AmountE9s: 41})
	assert.True(t, errors.Is(err, ErrInvalidLedger))

	require.NoError(t, st.applyTransfer([]byte("c"), &types.FundsTransfer{To: pub(1), AmountE9s: 40}))
	assert.NotContains(t, st.UnclaimedRewards, who)
	assert.Equal(t, uint64(100), st.MintedE9s.Uint64())
	assert.Equal(t, uint64(2), st.Transfers)

	other := types.PrincipalFromPubKey(pub(2))
	err = st.applyTransfer([]byte("d"), &types.FundsTransfer{To: pub(2), AmountE9s: 1})
	assert.True(t, errors.Is(err, ErrInvalidLedger))
	assert.NotContains(t, st.Balances, other)
}

func TestTransferMovesAmountAndBurnsFee(t *testing.T) {
	alice := types.PrincipalFromPubKey(pub(1))
	bob := types.PrincipalFromPubKey(pub(2))
	st := seeded(alice, 100)

	require.NoError(t, st.applyTransfer([]byte("t1"), &types.FundsTransfer{From: pub(1), To: pub(2), AmountE9s: 70, FeeE9s: 5}))
	assert.Equal(t, uint64(25), st.Balances[alice].Uint64())
	assert.Equal(t, uint64(70), st.Balances[bob].Uint64())
	assert.Equal(t, uint64(5), st.FeesBurnedE9s.Uint64())

	err := st.applyTransfer([]byte("t2"), &types.FundsTransfer{From: pub(1), To: pub(2), AmountE9s: 25, FeeE9s: 1})
	assert.True(t, errors.Is(err, ErrInvalidLedger))
	assert.Equal(t, uint64(25), st.Balances[alice].Uint64(), "failed transfer moves nothing")

	err = st.applyTransfer([]byte("t1"), &types.FundsTransfer{From: pub(2), To: pub(1), AmountE9s: 1})
	assert.True(t, errors.Is(err, ErrInvalidLedger), "transfer ids are unique")
	assert.Equal(t, uint64(1), st.Transfers)
}

func TestAllowanceIsSpentByTransferFrom(t *testing.T) {
	owner := types.PrincipalFromPubKey(pub(1))
	spender := types.PrincipalFromPubKey(pub(3))
	st := seeded(owner, 100)
	approve := func(amount uint64) {
		require.NoError(t, st.apply(labelindex.MaterializedEntry{}, &types.TokenApproval{Owner: pub(1), Spender: pub(3), AmountE9s: amount}))
	}

	spend := &types.FundsTransfer{From: pub(1), To: pub(2), Spender: pub(3), AmountE9s: 10, FeeE9s: 1}
	assert.True(t, errors.Is(st.applyTransfer([]byte("x"), spend), ErrInvalidLedger), "no allowance yet")

	approve(30)
	require.NoError(t, st.applyTransfer([]byte("x"), spend))
	assert.Equal(t, uint64(19), st.Allowances[owner][spender].Uint64())
	assert.Equal(t, uint64(89), st.Balances[owner].Uint64())

	approve(5)
	assert.True(t, errors.Is(st.applyTransfer([]byte("y"), spend), ErrInvalidLedger))

	approve(0)
	assert.NotContains(t, st.Allowances, owner)
}

func TestCloneCopiesBalances(t *testing.T) {
	who := types.PrincipalFromPubKey(pub(1))
	st := seeded(who, 10)
	c := st.Clone()
	require.NoError(t, st.applyTransfer([]byte("z"), &types.FundsTransfer{From: pub(1), To: pub(2), AmountE9s: 10}))
	assert.Equal(t, uint64(10), c.Balances[who].Uint64())
	assert.NoError(t, c.applyTransfer([]byte("z"), &types.FundsTransfer{From: pub(1), To: pub(2), AmountE9s: 10}))
}

func TestLinkRules(t *testing.T) {
	st := NewState()
	self := &types.LinkedIdentity{Op: types.LinkAdd, Main: pub(1), Alternate: pub(1)}
	assert.True(t, errors.Is(st.applyLink(self), ErrInvalidLedger))

	for i := 0; i < types.MaxAlternateIdentities; i++ {
		require.NoError(t, st.applyLink(&types.LinkedIdentity{Op: types.LinkAdd, Main: pub(1), Alternate: pub(byte(10 + i))}))
	}
	err := st.applyLink(&types.LinkedIdentity{Op: types.LinkAdd, Main: pub(1), Alternate: pub(200)})
	assert.True(t, errors.Is(err, ErrInvalidLedger))

	require.NoError(t, st.applyLink(&types.LinkedIdentity{Op: types.LinkRemove, Main: pub(1), Alternate: pub(250)}))
	assert.Len(t, st.Alternates[types.PrincipalFromPubKey(pub(1))], types.MaxAlternateIdentities)
}

func TestReputationNeverNegative(t *testing.T) {
	st := NewState()
	who := types.PrincipalFromPubKey(pub(1))
	st.changeReputation(who, 30)
	st.changeReputation(who, -100)
	assert.Equal(t, uint64(0), st.Reputation[who])

	st.changeReputation(who, 50)
	st.ageReputation(1_000_000)
	assert.Equal(t, uint64(0), st.Reputation[who])
}
