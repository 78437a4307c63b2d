package meshproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	SubprotocolJSON    = "aero-mesh.json.v1"
	SubprotocolMsgpack = "aero-mesh.msgpack.v1"
)

// Codec frames envelopes for one WebSocket subprotocol.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames are sent as binary WebSocket messages.
	Binary() bool
	Marshal(Envelope) ([]byte, error)
	// Unmarshal decodes exactly one envelope and validates it. Unknown fields
	// and trailing data are rejected.
	Unmarshal([]byte) (Envelope, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecForSubprotocol maps a negotiated subprotocol to its codec. An empty
// subprotocol selects JSON.
func CodecForSubprotocol(name string) (Codec, bool) {
	switch name {
	case "", SubprotocolJSON:
		return JSON, true
	case SubprotocolMsgpack:
		return Msgpack, true
	default:
		return nil, false
	}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (msgpackCodec) Binary() bool        { return true }

func (msgpackCodec) Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

func (msgpackCodec) Unmarshal(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, errors.New("empty frame")
	}
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if r.Len() != 0 {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
