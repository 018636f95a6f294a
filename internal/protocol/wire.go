package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed is returned for messages that do not carry an envelope.
var ErrMalformed = errors.New("malformed message")

// Inbound is a received envelope whose data has not been decoded yet.
type Inbound struct {
	Event Event
	raw   []byte
	codec WireCodec
}

// Decode unmarshals the envelope's data into v.
func (m *Inbound) Decode(v any) error {
	if len(m.raw) == 0 {
		return fmt.Errorf("%w: %s carries no data", ErrMalformed, m.Event)
	}
	return m.codec.decodeData(m.raw, v)
}

// HasData reports whether the envelope carried a data field.
func (m *Inbound) HasData() bool { return len(m.raw) > 0 }

// WireCodec serializes {event, data} envelopes.
type WireCodec interface {
	Name() string
	Marshal(event Event, data any) ([]byte, error)
	Unmarshal(b []byte) (*Inbound, error)

	decodeData(raw []byte, v any) error
}

// Wire codec names.
const (
	WireJSON    = "json"
	WireMsgpack = "msgpack"
)

// NewWireCodec returns the codec registered under name; an empty name
// selects JSON.
func NewWireCodec(name string) (WireCodec, error) {
	switch name {
	case "", WireJSON:
		return JSON{}, nil
	case WireMsgpack:
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("unknown wire codec %q", name)
}

// JSON is the default envelope codec, readable by browser peers.
type JSON struct{}

type jsonEnvelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (JSON) Name() string { return WireJSON }

func (JSON) Marshal(event Event, data any) ([]byte, error) {
	env := struct {
		Event Event `json:"event"`
		Data  any   `json:"data,omitempty"`
	}{event, data}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return b, nil
}

func (c JSON) Unmarshal(b []byte) (*Inbound, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	raw := []byte(env.Data)
	if string(raw) == "null" {
		raw = nil
	}
	return &Inbound{Event: env.Event, raw: raw, codec: c}, nil
}

func (JSON) decodeData(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Msgpack is the compact binary envelope codec. Image bytes travel as msgpack
// bin instead of base64 text.
type Msgpack struct{}

type msgpackEnvelope struct {
	Event Event              `msgpack:"event"`
	Data  msgpack.RawMessage `msgpack:"data,omitempty"`
}

func (Msgpack) Name() string { return WireMsgpack }

func (Msgpack) Marshal(event Event, data any) ([]byte, error) {
	env := struct {
		Event Event `msgpack:"event"`
		Data  any   `msgpack:"data,omitempty"`
	}{event, data}
	b, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return b, nil
}

func (c Msgpack) Unmarshal(b []byte) (*Inbound, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return &Inbound{Event: env.Event, raw: env.Data, codec: c}, nil
}

func (Msgpack) decodeData(raw []byte, v any) error {
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
