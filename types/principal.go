package types

import (
	"github.com/pkg/errors"

	"github.com/decentcloud/dcledger/common"
)

// Principal is the printable identity of a public key.
type Principal string

func PrincipalFromPubKey(pubKey []byte) Principal {
	return Principal(common.EncodeBytesToBase58(pubKey))
}

func (p Principal) PubKey() ([]byte, error) {
	raw, err := common.DecodeBase58ToBytes(string(p))
	if err != nil {
		return nil, errors.Wrapf(err, "principal %q", string(p))
	}
	if len(raw) != PubKeySize {
		return nil, errors.Errorf("principal %q decodes to %d bytes", string(p), len(raw))
	}
	return raw, nil
}

func (p Principal) String() string { return string(p) }

// Short is the abbreviated form used in log lines.
func (p Principal) Short() string {
	if len(p) <= 12 {
		return string(p)
	}
	return string(p[:12]) + "…"
}
