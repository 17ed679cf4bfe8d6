package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decentcloud/dcledger/ledger"
	"github.com/decentcloud/dcledger/logx"
	"github.com/decentcloud/dcledger/projection"
	"github.com/decentcloud/dcledger/types"
)

func init() {
	logx.SetOutput(io.Discard)
}

type fixture struct {
	ledger     *ledger.Ledger
	projector  *projection.Projector
	schedule   *projection.Schedule
	register   *RegistrationService
	checkIn    *CheckInService
	rewards    *RewardService
	identity   *IdentityService
	reputation *ReputationService
	contracts  *ContractService
	transfers  *TransferService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := projection.NewSchedule(projection.ScheduleConfig{HalvingInterval: 10, InitialRewardE9s: 1_000})
	l, err := ledger.Open(filepath.Join(t.TempDir(), "main.bin"), ledger.Config{}, sched)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	p := projection.New(l, sched)
	require.NoError(t, p.RefreshCachesFromLedger())
	p.Attach()

	return &fixture{
		ledger:     l,
		projector:  p,
		schedule:   sched,
		register:   NewRegistrationService(l, p),
		checkIn:    NewCheckInService(l, p),
		rewards:    NewRewardService(l, p, sched),
		identity:   NewIdentityService(l, p, sched),
		reputation: NewReputationService(l, p, sched),
		contracts:  NewContractService(l, p, sched),
		transfers:  NewTransferService(l, p, sched),
	}
}

func newKey(t *testing.T, seed byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	priv := ed25519.NewKeyFromSeed(s)
	return priv.Public().(ed25519.PublicKey), priv
}

func (f *fixture) provider(t *testing.T, seed byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv := newKey(t, seed)
	require.NoError(t, f.register.RegisterProvider(pub, SignRegistration(priv)))
	return pub, priv
}

func (f *fixture) checkInAll(t *testing.T, keys ...ed25519.PrivateKey) {
	t.Helper()
	for _, priv := range keys {
		pub := priv.Public().(ed25519.PublicKey)
		require.NoError(t, f.checkIn.CheckIn(pub, SignCheckIn(priv, f.checkIn.Nonce())))
	}
}

func TestRegistration(t *testing.T) {
	f := newFixture(t)
	pub, priv := newKey(t, 1)

	err := f.register.RegisterProvider(pub, make([]byte, ed25519.SignatureSize))
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	require.NoError(t, f.register.RegisterProvider(pub, SignRegistration(priv)))
	assert.True(t, f.register.IsProvider(pub))
	assert.False(t, f.register.IsUser(pub))
	assert.True(t, errors.Is(f.register.RegisterProvider(pub, SignRegistration(priv)), ErrAlreadyRegistered))

	require.NoError(t, f.register.RegisterUser(pub, SignRegistration(priv)))
	assert.True(t, f.projector.IsUser(types.PrincipalFromPubKey(pub)))
	assert.Equal(t, uint64(2*RegistrationReputationE9s), f.reputation.Reputation(pub))
}

func TestCheckInRequiresRegistrationAndFreshNonce(t *testing.T) {
	f := newFixture(t)
	pub, priv := newKey(t, 1)

	err := f.checkIn.CheckIn(pub, SignCheckIn(priv, f.checkIn.Nonce()))
	assert.True(t, errors.Is(err, ErrNotRegistered))

	f.provider(t, 1)
	stale := SignCheckIn(priv, f.checkIn.Nonce())
	f.provider(t, 2)
	assert.True(t, errors.Is(f.checkIn.CheckIn(pub, stale), ErrInvalidSignature))

	f.checkInAll(t, priv)
	assert.Equal(t, []types.Principal{types.PrincipalFromPubKey(pub)}, f.projector.CheckedInValidators())
}

func TestPlanDistribution(t *testing.T) {
	shares, rest := PlanDistribution(uint256.NewInt(10), [][]byte{{1}, {2}, {3}})
	require.Len(t, shares, 3)
	for _, s := range shares {
		assert.Equal(t, uint64(3), s.AmountE9s)
	}
	assert.Equal(t, uint64(1), rest.Uint64())

	shares, rest = PlanDistribution(uint256.NewInt(2), [][]byte{{1}, {2}, {3}})
	assert.Empty(t, shares)
	assert.Equal(t, uint64(2), rest.Uint64())
}

func TestDistributeRewards(t *testing.T) {
	f := newFixture(t)

	_, err := f.rewards.DistributeRewards()
	assert.True(t, errors.Is(err, ErrNoCheckedInValidators))

	_, privA := f.provider(t, 1)
	_, privB := f.provider(t, 2)
	_, privC := f.provider(t, 3)
	f.checkInAll(t, privA, privB, privC)

	// 6 blocks so far, 1000 e9s each
	pool := f.projector.PendingPoolE9s().Uint64()
	require.Equal(t, uint64(6_000), pool)

	dist, err := f.rewards.DistributeRewards()
	require.NoError(t, err)
	require.Len(t, dist.Shares, 3)
	assert.Equal(t, uint64(2_000), dist.Shares[0].AmountE9s)
	assert.Equal(t, uint64(6), dist.BlockHeight)

	// the pool is emptied, then the distribution block earns its own reward
	assert.Equal(t, uint64(1_000), f.projector.PendingPoolE9s().Uint64())
	assert.Empty(t, f.projector.CheckedInValidators())

	last, err := f.rewards.LastDistribution()
	require.NoError(t, err)
	assert.Equal(t, dist, last)

	for _, priv := range []ed25519.PrivateKey{privA, privB, privC} {
		pub := priv.Public().(ed25519.PublicKey)
		assert.Equal(t, uint64(2_000), f.transfers.Balance(pub).Uint64())
		assert.True(t, f.projector.UnclaimedRewards(types.PrincipalFromPubKey(pub)).IsZero())
	}
	assert.Equal(t, uint64(6_000), f.projector.State().MintedE9s.Uint64())

	_, err = f.rewards.DistributeRewards()
	assert.True(t, errors.Is(err, ErrNoCheckedInValidators))

	cold, err := projection.Replay(f.ledger, f.schedule)
	require.NoError(t, err)
	assert.Equal(t, cold, f.projector.State())
}

// fund pays 2000 e9s to each key through a reward distribution.
func (f *fixture) fund(t *testing.T, keys ...ed25519.PrivateKey) {
	t.Helper()
	f.checkInAll(t, keys...)
	_, err := f.rewards.DistributeRewards()
	require.NoError(t, err)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	_, privA := f.provider(t, 1)
	_, privB := f.provider(t, 2)
	_, privC := f.provider(t, 3)
	f.fund(t, privA, privB, privC)

	pubA := privA.Public().(ed25519.PublicKey)
	stranger, _ := newKey(t, 9)

	tr, err := f.transfers.Transfer(privA, stranger, 1_500, 10, "rent")
	require.NoError(t, err)
	assert.Equal(t, uint64(490), f.transfers.Balance(pubA).Uint64())
	assert.Equal(t, uint64(1_500), f.transfers.Balance(stranger).Uint64())
	assert.Equal(t, uint64(10), f.projector.State().FeesBurnedE9s.Uint64())

	_, err = f.transfers.Transfer(privA, stranger, 490, 1, "")
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	_, err = f.transfers.Transfer(privA, pubA, 1, 0, "")
	assert.True(t, errors.Is(err, ErrInvalidTransfer))

	t.Run("a recorded transfer cannot be committed again", func(t *testing.T) {
		raw, err := types.EncodeMsgPack(tr)
		require.NoError(t, err)
		id, err := tr.ID()
		require.NoError(t, err)
		stored, err := f.ledger.Get(types.LabelTokenTransfer, id)
		require.NoError(t, err)
		assert.Equal(t, raw, stored)

		_, _, err = f.ledger.Commit(func(tx *ledger.Tx) error { return upsertTransfer(tx, tr) })
		assert.True(t, errors.Is(err, ErrDuplicateTransfer))
	})

	cold, err := projection.Replay(f.ledger, f.schedule)
	require.NoError(t, err)
	assert.Equal(t, cold, f.projector.State())
}

func TestApproveAndTransferFrom(t *testing.T) {
	f := newFixture(t)
	_, owner := f.provider(t, 1)
	_, other := f.provider(t, 2)
	f.fund(t, owner, other)

	ownerPub := owner.Public().(ed25519.PublicKey)
	spenderPub, spender := newKey(t, 7)
	to, _ := newKey(t, 8)

	_, err := f.transfers.TransferFrom(spender, ownerPub, to, 100, 0, "")
	assert.True(t, errors.Is(err, ErrInsufficientAllowance))

	_, err = f.transfers.Approve(owner, spenderPub, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), f.transfers.Allowance(ownerPub, spenderPub).Uint64())

	_, err = f.transfers.TransferFrom(spender, ownerPub, to, 250, 5, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(45), f.transfers.Allowance(ownerPub, spenderPub).Uint64())
	assert.Equal(t, uint64(2_000-255), f.transfers.Balance(ownerPub).Uint64())
	assert.Equal(t, uint64(250), f.transfers.Balance(to).Uint64())

	_, err = f.transfers.TransferFrom(spender, ownerPub, to, 50, 0, "")
	assert.True(t, errors.Is(err, ErrInsufficientAllowance))

	_, err = f.transfers.Approve(owner, spenderPub, 0)
	require.NoError(t, err)
	assert.True(t, f.transfers.Allowance(ownerPub, spenderPub).IsZero())
}

func TestLinkAndUnlink(t *testing.T) {
	f := newFixture(t)
	mainPub, mainPriv := newKey(t, 1)
	altPub, _ := newKey(t, 2)

	assert.True(t, errors.Is(f.identity.Link(mainPub, mainPub, SignLink(mainPriv, types.LinkAdd, mainPub)), ErrSelfLink))
	assert.True(t, errors.Is(f.identity.Link(mainPub, altPub, SignLink(mainPriv, types.LinkRemove, altPub)), ErrInvalidSignature))

	require.NoError(t, f.identity.Link(mainPub, altPub, SignLink(mainPriv, types.LinkAdd, altPub)))
	assert.Equal(t, []types.Principal{types.PrincipalFromPubKey(altPub)}, f.identity.Alternates(mainPub))
	assert.True(t, errors.Is(f.identity.Link(mainPub, altPub, SignLink(mainPriv, types.LinkAdd, altPub)), ErrAlreadyLinked))

	main, ok := f.projector.MainIdentity(types.PrincipalFromPubKey(altPub))
	require.True(t, ok)
	assert.Equal(t, types.PrincipalFromPubKey(mainPub), main)

	require.NoError(t, f.identity.Unlink(mainPub, altPub, SignLink(mainPriv, types.LinkRemove, altPub)))
	assert.Empty(t, f.identity.Alternates(mainPub))
	assert.True(t, errors.Is(f.identity.Unlink(mainPub, altPub, SignLink(mainPriv, types.LinkRemove, altPub)), ErrNotLinked))
}

func TestLinkLimit(t *testing.T) {
	f := newFixture(t)
	mainPub, mainPriv := newKey(t, 1)
	for i := 0; i < types.MaxAlternateIdentities; i++ {
		alt, _ := newKey(t, byte(10+i))
		require.NoError(t, f.identity.Link(mainPub, alt, SignLink(mainPriv, types.LinkAdd, alt)))
	}
	alt, _ := newKey(t, 200)
	err := f.identity.Link(mainPub, alt, SignLink(mainPriv, types.LinkAdd, alt))
	assert.True(t, errors.Is(err, ErrTooManyAlternates))
}

func TestReputationChangeAndAge(t *testing.T) {
	f := newFixture(t)
	who, _ := newKey(t, 1)

	require.NoError(t, f.reputation.Change(types.ReputationDelta{Identity: who, Delta: 1_000}))
	require.NoError(t, f.reputation.Change(types.ReputationDelta{Identity: who, Delta: -300}))
	assert.Equal(t, uint64(700), f.reputation.Reputation(who))

	require.NoError(t, f.reputation.Age(100_000))
	assert.Equal(t, uint64(630), f.reputation.Reputation(who))

	assert.Error(t, f.reputation.Age(2_000_000))
	assert.Error(t, f.reputation.Change())
}

func TestContractLifecycle(t *testing.T) {
	f := newFixture(t)
	provPub, _ := f.provider(t, 1)
	userPub, userPriv := newKey(t, 2)

	req := &types.ContractSignRequest{Requester: userPub, Provider: provPub, OfferingID: "vm-small", PaymentE9s: 10}
	_, err := f.contracts.Request(req)
	assert.True(t, errors.Is(err, ErrNotRegistered))

	require.NoError(t, f.register.RegisterUser(userPub, SignRegistration(userPriv)))
	id, err := f.contracts.Request(req)
	require.NoError(t, err)

	open, ok := f.contracts.Open(id)
	require.True(t, ok)
	assert.Equal(t, "vm-small", open.OfferingID)

	require.NoError(t, f.contracts.Reply(id, true, "provisioned"))
	_, ok = f.contracts.Open(id)
	assert.False(t, ok)
	assert.True(t, errors.Is(f.contracts.Reply(id, true, ""), ErrUnknownContract))
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.provider(t, 1)

	hs := NewHealthService(f.ledger, f.projector)
	st, err := hs.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, uint64(1), st.BlockCount)
	assert.Equal(t, "1000", st.PendingPoolE9s)
	assert.Equal(t, uint64(9), st.BlocksUntilHalving)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = hs.Check(ctx)
	assert.Error(t, err)
}
