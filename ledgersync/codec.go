package ledgersync

import (
	"google.golang.org/grpc/encoding"

	"github.com/decentcloud/dcledger/jsonx"
)

// codecName is the gRPC content subtype both ends use for sync messages.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return jsonx.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return jsonx.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
