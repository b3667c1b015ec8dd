package schema

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// Codec serializes envelopes for the bus.
type Codec interface {
	ContentType() string
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// JSONCodec encodes envelopes as JSON.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode json envelope: %w", err)
	}
	return e, nil
}

// MsgpackCodec encodes envelopes as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) ContentType() string { return ContentTypeMsgpack }

func (MsgpackCodec) Encode(e Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode msgpack envelope: %w", err)
	}
	return e, nil
}

// CodecFor resolves a codec by content type or short name. Unknown or empty
// values fall back to JSON.
func CodecFor(contentType string) Codec {
	switch contentType {
	case ContentTypeMsgpack, "msgpack":
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}
