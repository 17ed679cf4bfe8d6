package types

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

var ErrSerialization = errors.New("serialization error")

// msgpackHandle is configured once and shared; the codec handles are safe for
// concurrent use after setup. Canonical sorts map keys and StructToArray drops
// field names, so every payload has exactly one encoding.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{WriteExt: true}
	h.Canonical = true
	h.StructToArray = true
	return h
}()

// EncodeMsgPack encodes v into its canonical msgpack form.
func EncodeMsgPack(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, errors.Wrap(ErrSerialization, err.Error())
	}
	return out, nil
}

// DecodeMsgPack decodes buf into out and rejects any input that is not the
// canonical encoding of the decoded value, trailing bytes included.
func DecodeMsgPack(buf []byte, out interface{}) error {
	if len(buf) == 0 {
		return errors.Wrap(ErrSerialization, "empty payload")
	}
	if err := codec.NewDecoderBytes(buf, msgpackHandle).Decode(out); err != nil {
		return errors.Wrap(ErrSerialization, err.Error())
	}
	again, err := EncodeMsgPack(out)
	if err != nil {
		return err
	}
	if !bytes.Equal(again, buf) {
		return errors.Wrap(ErrSerialization, "non-canonical payload")
	}
	return nil
}
