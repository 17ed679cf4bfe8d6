package types

import (
	"crypto/sha256"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Payload is a decoded ledger value together with the key it was stored under.
type Payload interface {
	Label() string
	Validate() error
}

// Registration is the value of ProvRegister and UserRegister: the public key
// signed by its own private key.
type Registration struct {
	PubKey    []byte
	Signature []byte
	label     string
}

func (r *Registration) Label() string { return r.label }

func (r *Registration) Validate() error {
	if len(r.PubKey) != PubKeySize {
		return errors.Wrapf(ErrSerialization, "registration key must be %d bytes, got %d", PubKeySize, len(r.PubKey))
	}
	if len(r.Signature) != SignatureSize {
		return errors.Wrapf(ErrSerialization, "registration signature must be %d bytes, got %d", SignatureSize, len(r.Signature))
	}
	return nil
}

// CheckIn is a validator's signature over the block hash it saw as tip.
type CheckIn struct {
	PubKey    []byte
	Signature []byte
}

func (*CheckIn) Label() string { return LabelProviderCheckIn }

func (c *CheckIn) Validate() error {
	if len(c.PubKey) != PubKeySize {
		return errors.Wrapf(ErrSerialization, "check-in key must be %d bytes, got %d", PubKeySize, len(c.PubKey))
	}
	if len(c.Signature) != SignatureSize {
		return errors.Wrapf(ErrSerialization, "check-in signature must be %d bytes, got %d", SignatureSize, len(c.Signature))
	}
	return nil
}

type RewardShare struct {
	PubKey    []byte
	AmountE9s uint64
}

// RewardDistribution records one payout of the pending reward pool.
type RewardDistribution struct {
	TimestampNs uint64
	BlockHeight uint64
	Shares      []RewardShare
}

func (*RewardDistribution) Label() string { return LabelRewardDistribution }

func (d *RewardDistribution) Validate() error {
	for i, s := range d.Shares {
		if len(s.PubKey) != PubKeySize {
			return errors.Wrapf(ErrSerialization, "reward share %d: bad key length %d", i, len(s.PubKey))
		}
	}
	if total := d.TotalE9s(); !total.IsUint64() {
		return errors.Wrapf(ErrSerialization, "reward shares sum to %s, beyond 64 bits", total)
	}
	return nil
}

// TotalE9s sums the shares.
func (d *RewardDistribution) TotalE9s() *uint256.Int {
	total := new(uint256.Int)
	for _, s := range d.Shares {
		total.Add(total, uint256.NewInt(s.AmountE9s))
	}
	return total
}

type LinkOp uint8

const (
	LinkAdd    LinkOp = 1
	LinkRemove LinkOp = 2
)

func (op LinkOp) String() string {
	switch op {
	case LinkAdd:
		return "add"
	case LinkRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// LinkedIdentity adds or removes an alternate identity of a main identity.
type LinkedIdentity struct {
	Op          LinkOp
	Main        []byte
	Alternate   []byte
	TimestampNs uint64
}

func (*LinkedIdentity) Label() string { return LabelLinkedIdentity }

func (l *LinkedIdentity) Validate() error {
	if l.Op != LinkAdd && l.Op != LinkRemove {
		return errors.Wrapf(ErrSerialization, "unknown link op %d", l.Op)
	}
	if len(l.Main) != PubKeySize || len(l.Alternate) != PubKeySize {
		return errors.Wrap(ErrSerialization, "linked identities must be public keys")
	}
	return nil
}

// ContractSignRequest opens a contract between a user and a provider.
type ContractSignRequest struct {
	Requester     []byte
	Provider      []byte
	OfferingID    string
	PaymentE9s    uint64
	RequestedAtNs uint64
}

func (*ContractSignRequest) Label() string { return LabelContractSignReq }

func (c *ContractSignRequest) Validate() error {
	if len(c.Requester) != PubKeySize || len(c.Provider) != PubKeySize {
		return errors.Wrap(ErrSerialization, "contract parties must be public keys")
	}
	if c.OfferingID == "" {
		return errors.Wrap(ErrSerialization, "contract request without offering id")
	}
	return nil
}

// ContractID is the key a request is stored under: the hash of its encoding.
func (c *ContractSignRequest) ContractID() ([]byte, error) {
	raw, err := EncodeMsgPack(c)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// ContractSignReply closes a contract, accepted or not.
type ContractSignReply struct {
	Provider    []byte
	Accepted    bool
	Memo        string
	RepliedAtNs uint64
}

func (*ContractSignReply) Label() string { return LabelContractSignReply }

func (c *ContractSignReply) Validate() error {
	if len(c.Provider) != PubKeySize {
		return errors.Wrap(ErrSerialization, "contract reply without provider key")
	}
	return nil
}

type ReputationDelta struct {
	Identity []byte
	Delta    int64
}

type ReputationChange struct {
	Changes []ReputationDelta
}

func (*ReputationChange) Label() string { return LabelReputationChange }

func (r *ReputationChange) Validate() error {
	if len(r.Changes) == 0 {
		return errors.Wrap(ErrSerialization, "reputation change without changes")
	}
	for i, c := range r.Changes {
		if len(c.Identity) == 0 {
			return errors.Wrapf(ErrSerialization, "reputation change %d without identity", i)
		}
	}
	return nil
}

// ReputationAge shrinks every reputation by ReductionPPM parts per million.
type ReputationAge struct {
	ReductionPPM uint64
	TimestampNs  uint64
}

func (*ReputationAge) Label() string { return LabelReputationAge }

func (r *ReputationAge) Validate() error {
	if r.ReductionPPM > 1_000_000 {
		return errors.Wrapf(ErrSerialization, "reduction %d ppm exceeds 1e6", r.ReductionPPM)
	}
	return nil
}
