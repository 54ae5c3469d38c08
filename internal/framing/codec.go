package framing

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agent-relay/relayd/internal/protocol"
)

// Codec encodes and decodes envelope bodies. The wire layout from Encode
// (length prefix + body) is unchanged regardless of which Codec produced the
// body — only the body's own byte shape differs.
type Codec interface {
	Encode(e protocol.Envelope) ([]byte, error)
	Decode(body []byte) (protocol.Envelope, error)
}

// msgpackHighBitMask selects the high bit, which is set on the first byte of every msgpack "fixmap" or
// "map16/32" encoding of a top-level struct, since Envelope always encodes
// as a map. A JSON body always starts with '{' (0x7B), whose high bit is
// clear, so testing the high bit of the first body byte is a safe,
// allocation-free way to pick the decoder for each inbound frame without an
// explicit out-of-band flag.
const msgpackHighBitMask = 0x80

// JSONCodec encodes envelope bodies as JSON. It is the default and the only
// codec every connection is required to support.
type JSONCodec struct{}

func (JSONCodec) Encode(e protocol.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Decode(body []byte) (protocol.Envelope, error) {
	var e protocol.Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return e, err
	}
	return e, nil
}

// MsgpackCodec encodes envelope bodies as MessagePack. A connection that
// never sends a msgpack-coded frame remains fully interoperable with a
// JSON-only peer.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(e protocol.Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (MsgpackCodec) Decode(body []byte) (protocol.Envelope, error) {
	var e protocol.Envelope
	if err := msgpack.Unmarshal(body, &e); err != nil {
		return e, err
	}
	return e, nil
}

// DetectCodec inspects the first byte of a frame body and returns the Codec
// that produced it. An empty body defaults to JSON.
func DetectCodec(body []byte) Codec {
	if len(body) > 0 && body[0]&msgpackHighBitMask != 0 {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}
