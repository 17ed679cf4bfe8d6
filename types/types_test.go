package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) []byte { return bytes.Repeat([]byte{b}, PubKeySize) }

func TestDecodeRegistration(t *testing.T) {
	sig := bytes.Repeat([]byte{7}, SignatureSize)
	p, err := Decode(LabelProviderRegister, key(1), sig)
	require.NoError(t, err)

	reg, ok := p.(*Registration)
	require.True(t, ok)
	assert.Equal(t, LabelProviderRegister, reg.Label())
	assert.Equal(t, key(1), reg.PubKey)

	_, err = Decode(LabelUserRegister, key(1), sig[:10])
	assert.True(t, errors.Is(err, ErrSerialization))
}

func TestDecodeUnknownLabel(t *testing.T) {
	_, err := Decode("NoSuchLabel", key(1), []byte{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSerialization))
	assert.False(t, IsKnownLabel("NoSuchLabel"))
	for _, l := range AllLabels() {
		assert.True(t, IsKnownLabel(l), l)
	}
}

func TestMsgPackPayloadRoundTrip(t *testing.T) {
	d := &RewardDistribution{
		TimestampNs: 42,
		BlockHeight: 7,
		Shares: []RewardShare{
			{PubKey: key(1), AmountE9s: 25},
			{PubKey: key(2), AmountE9s: 25},
		},
	}
	raw, err := EncodeMsgPack(d)
	require.NoError(t, err)

	p, err := Decode(LabelRewardDistribution, KeyLastRewardDistribution, raw)
	require.NoError(t, err)
	got := p.(*RewardDistribution)
	assert.Equal(t, d, got)
	assert.Equal(t, uint64(50), got.TotalE9s().Uint64())

	again, err := EncodeMsgPack(got)
	require.NoError(t, err)
	assert.Equal(t, raw, again, "encoding must be deterministic")
}

func TestDecodeRejectsMismatchedSchema(t *testing.T) {
	raw, err := EncodeMsgPack(&ReputationAge{ReductionPPM: 5, TimestampNs: 1})
	require.NoError(t, err)

	_, err = Decode(LabelLinkedIdentity, key(1), raw)
	assert.True(t, errors.Is(err, ErrSerialization))

	_, err = Decode(LabelReputationAge, nil, append(raw, 0x00))
	assert.True(t, errors.Is(err, ErrSerialization), "trailing bytes")

	_, err = Decode(LabelReputationAge, nil, nil)
	assert.True(t, errors.Is(err, ErrSerialization), "empty value")
}

func TestLinkedIdentityMustMatchKey(t *testing.T) {
	raw, err := EncodeMsgPack(&LinkedIdentity{Op: LinkAdd, Main: key(1), Alternate: key(2), TimestampNs: 3})
	require.NoError(t, err)

	_, err = Decode(LabelLinkedIdentity, key(1), raw)
	require.NoError(t, err)
	_, err = Decode(LabelLinkedIdentity, key(9), raw)
	assert.True(t, errors.Is(err, ErrSerialization))
}

func TestContractIDIsStable(t *testing.T) {
	req := &ContractSignRequest{Requester: key(1), Provider: key(2), OfferingID: "gpu-small", PaymentE9s: 10}
	a, err := req.ContractID()
	require.NoError(t, err)
	b, err := req.ContractID()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	req.PaymentE9s = 11
	c, err := req.ContractID()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestPrincipal(t *testing.T) {
	p := PrincipalFromPubKey(key(3))
	raw, err := p.PubKey()
	require.NoError(t, err)
	assert.Equal(t, key(3), raw)
	assert.True(t, len(p.Short()) < len(p))

	_, err = Principal("abc").PubKey()
	assert.Error(t, err)
}

func TestNewRegistrationRejectsOtherLabels(t *testing.T) {
	_, err := NewRegistration(LabelProviderCheckIn, key(1), bytes.Repeat([]byte{1}, SignatureSize))
	assert.Error(t, err)
}

func TestRewardSharesMustFit64Bits(t *testing.T) {
	d := &RewardDistribution{Shares: []RewardShare{
		{PubKey: key(1), AmountE9s: math.MaxUint64},
		{PubKey: key(2), AmountE9s: 1},
	}}
	assert.False(t, d.TotalE9s().IsUint64())
	raw, err := EncodeMsgPack(d)
	require.NoError(t, err)

	_, err = Decode(LabelRewardDistribution, KeyLastRewardDistribution, raw)
	assert.True(t, errors.Is(err, ErrSerialization), "got %v", err)
}

func signer(seed byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	return priv.Public().(ed25519.PublicKey), priv
}

func TestTransferDecodeChecksIDAndSignature(t *testing.T) {
	from, priv := signer(1)
	tr := &FundsTransfer{From: from, To: key(9), AmountE9s: 10, FeeE9s: 1, TimestampNs: 5, Memo: "rent"}
	require.NoError(t, tr.Sign(priv))
	id, err := tr.ID()
	require.NoError(t, err)
	raw, err := EncodeMsgPack(tr)
	require.NoError(t, err)

	p, err := Decode(LabelTokenTransfer, id, raw)
	require.NoError(t, err)
	assert.Equal(t, tr, p.(*FundsTransfer))

	_, err = Decode(LabelTokenTransfer, key(3), raw)
	assert.True(t, errors.Is(err, ErrSerialization), "foreign id")

	forged := *tr
	forged.AmountE9s = 1_000
	raw, err = EncodeMsgPack(&forged)
	require.NoError(t, err)
	id, err = forged.ID()
	require.NoError(t, err)
	_, err = Decode(LabelTokenTransfer, id, raw)
	assert.True(t, errors.Is(err, ErrSerialization), "signature no longer covers the amount")
}

func TestMintRules(t *testing.T) {
	mint := &FundsTransfer{To: key(1), AmountE9s: 3}
	assert.NoError(t, mint.Validate())
	assert.True(t, mint.IsMint())

	mint.FeeE9s = 1
	assert.Error(t, mint.Validate())
	assert.Error(t, (&FundsTransfer{To: key(1)}).Validate(), "zero amount")
}

func TestApprovalSignedByOwner(t *testing.T) {
	owner, priv := signer(1)
	_, other := signer(2)
	a := &TokenApproval{Owner: owner, Spender: key(5), AmountE9s: 7}
	require.NoError(t, a.Sign(priv))
	raw, err := EncodeMsgPack(a)
	require.NoError(t, err)
	_, err = Decode(LabelTokenApproval, a.Key(), raw)
	require.NoError(t, err)

	require.NoError(t, a.Sign(other))
	assert.Error(t, a.Validate())
}
