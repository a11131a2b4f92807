package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentType is set on every published message.
const ContentType = "application/json"

// Envelope is the {event_type, payload} object placed on the wire.
type Envelope struct {
	EventType Kind            `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode serializes ev into a compact envelope.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode event: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Kind(), err)
	}
	body, err := json.Marshal(Envelope{EventType: ev.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", ev.Kind(), err)
	}
	return body, nil
}

// DecodeEnvelope parses the outer object without interpreting the payload.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.EventType = Kind(strings.TrimSpace(string(env.EventType)))
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: event_type missing", ErrMalformed)
	}
	return env, nil
}

// Decode parses body into its typed event. Unknown kinds yield
// ErrUnknownEvent; anything undecodable yields ErrMalformed.
func Decode(body []byte) (Event, error) {
	env, err := DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	return env.Event()
}

// Event decodes the payload according to the envelope's event type.
func (e Envelope) Event() (Event, error) {
	target, err := newPayload(e.EventType)
	if err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(e.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload must be an object", ErrMalformed, e.EventType)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.EventType, err)
	}
	return deref(target), nil
}
