package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned when a payload is required but absent.
var ErrEmptyPayload = errors.New("empty payload")

// Encode marshals payload and wraps it in an Envelope of type t.
// A nil payload yields an envelope without a payload field.
//
// Precondition: t must be non-empty.
// Postcondition: Returns the JSON encoding of the envelope or an error.
func Encode(t string, payload any) ([]byte, error) {
	if t == "" {
		return nil, errors.New("encoding envelope: empty type")
	}
	env := Envelope{Type: t}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		env.Payload = p
	default:
		pb, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		env.Payload = pb
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a single wire message.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, errors.New("decoding envelope: zero-length message")
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, errors.New("decoding envelope: missing type")
	}
	return e, nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return out, fmt.Errorf("%s: %w", env.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return out, nil
}
