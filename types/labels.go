package types

// Labels are part of the on-disk format and must never change.
const (
	LabelProviderRegister   = "ProvRegister"
	LabelUserRegister       = "UserRegister"
	LabelProviderCheckIn    = "ProvCheckIn"
	LabelRewardDistribution = "RewardDistr"
	LabelLinkedIdentity     = "LinkedIdentity"
	LabelContractSignReq    = "ContractSignReq"
	LabelContractSignReply  = "ContractSignReply"
	LabelReputationChange   = "RepChange"
	LabelReputationAge      = "RepAge"
	LabelTokenTransfer      = "DCTokenTransfer"
	LabelTokenApproval      = "DCTokenApproval"
)

// KeyLastRewardDistribution is the key under which every reward distribution
// is recorded. Only the latest one is reachable through Get; the log keeps all.
var KeyLastRewardDistribution = []byte("LastRewardNs")

const (
	PubKeySize    = 32
	SignatureSize = 64

	MaxTransferMemoBytes = 256

	// MaxAlternateIdentities bounds the alternates linked to one main identity.
	MaxAlternateIdentities = 32
)

// AllLabels lists the label namespace in a stable order.
func AllLabels() []string {
	return []string{
		LabelProviderRegister,
		LabelUserRegister,
		LabelProviderCheckIn,
		LabelRewardDistribution,
		LabelLinkedIdentity,
		LabelContractSignReq,
		LabelContractSignReply,
		LabelReputationChange,
		LabelReputationAge,
		LabelTokenTransfer,
		LabelTokenApproval,
	}
}

func IsKnownLabel(label string) bool {
	_, ok := decoders[label]
	return ok
}
