package types

import (
	"bytes"

	"github.com/pkg/errors"
)

type decodeFunc func(key, value []byte) (Payload, error)

var decoders = map[string]decodeFunc{
	LabelProviderRegister:   registrationDecoder(LabelProviderRegister),
	LabelUserRegister:       registrationDecoder(LabelUserRegister),
	LabelProviderCheckIn:    decodeCheckIn,
	LabelRewardDistribution: msgpackDecoder(func() Payload { return &RewardDistribution{} }),
	LabelLinkedIdentity:     decodeLinkedIdentity,
	LabelContractSignReq:    msgpackDecoder(func() Payload { return &ContractSignRequest{} }),
	LabelContractSignReply:  msgpackDecoder(func() Payload { return &ContractSignReply{} }),
	LabelReputationChange:   msgpackDecoder(func() Payload { return &ReputationChange{} }),
	LabelReputationAge:      msgpackDecoder(func() Payload { return &ReputationAge{} }),
	LabelTokenTransfer:      decodeTransfer,
	LabelTokenApproval:      decodeApproval,
}

// Decode turns a stored entry into its typed payload. Unknown labels and
// values that do not match the label's schema fail with ErrSerialization.
func Decode(label string, key, value []byte) (Payload, error) {
	dec, ok := decoders[label]
	if !ok {
		return nil, errors.Wrapf(ErrSerialization, "unknown label %q", label)
	}
	p, err := dec(key, value)
	if err != nil {
		return nil, errors.WithMessagef(err, "label %s", label)
	}
	if err := p.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "label %s", label)
	}
	return p, nil
}

// Registrations and check-ins store the raw signature as value.
func registrationDecoder(label string) decodeFunc {
	return func(key, value []byte) (Payload, error) {
		return &Registration{PubKey: key, Signature: value, label: label}, nil
	}
}

func decodeCheckIn(key, value []byte) (Payload, error) {
	return &CheckIn{PubKey: key, Signature: value}, nil
}

func decodeLinkedIdentity(key, value []byte) (Payload, error) {
	l := &LinkedIdentity{}
	if err := DecodeMsgPack(value, l); err != nil {
		return nil, err
	}
	if string(l.Main) != string(key) {
		return nil, errors.Wrap(ErrSerialization, "linked identity stored under a foreign key")
	}
	return l, nil
}

// Transfers are stored under their id, approvals under owner||spender.
func decodeTransfer(key, value []byte) (Payload, error) {
	t := &FundsTransfer{}
	if err := DecodeMsgPack(value, t); err != nil {
		return nil, err
	}
	id, err := t.ID()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(id, key) {
		return nil, errors.Wrap(ErrSerialization, "transfer stored under a foreign id")
	}
	return t, nil
}

func decodeApproval(key, value []byte) (Payload, error) {
	a := &TokenApproval{}
	if err := DecodeMsgPack(value, a); err != nil {
		return nil, err
	}
	if !bytes.Equal(a.Key(), key) {
		return nil, errors.Wrap(ErrSerialization, "approval stored under a foreign key")
	}
	return a, nil
}

func msgpackDecoder(newPayload func() Payload) decodeFunc {
	return func(_, value []byte) (Payload, error) {
		p := newPayload()
		if err := DecodeMsgPack(value, p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// NewRegistration builds the payload written under ProvRegister or UserRegister.
func NewRegistration(label string, pubKey, signature []byte) (*Registration, error) {
	if label != LabelProviderRegister && label != LabelUserRegister {
		return nil, errors.Wrapf(ErrSerialization, "%s is not a registration label", label)
	}
	r := &Registration{PubKey: pubKey, Signature: signature, label: label}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
