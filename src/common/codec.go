package common

import (
	"bytes"
	"crypto/sha256"

	"github.com/ugorji/go/codec"
)

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	// sort map keys so that equal values always encode to equal bytes
	h.Canonical = true
	// use the msgpack bin type for []byte
	h.WriteExt = true
	return h
}

// MsgpackHandle returns the canonical msgpack handle shared by the wire codec
// and the store.
func MsgpackHandle() *codec.MsgpackHandle {
	return msgpackHandle
}

// Marshal encodes v with the canonical msgpack handle.
func Marshal(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	enc := codec.NewEncoder(&b, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal into v. Fields unknown to v are
// ignored.
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	return dec.Decode(v)
}

// Hash returns the SHA256 of the canonical encoding of v.
func Hash(v interface{}) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(b)
	return h[:], nil
}
